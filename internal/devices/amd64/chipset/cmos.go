package chipset

import (
	"fmt"
	"sync"
	"time"

	bus "github.com/tinyrange/microvm/internal/chipset"
)

const (
	cmosAddrPort uint16 = 0x70
	cmosDataPort uint16 = 0x71

	cmosRegSeconds    byte = 0x00
	cmosRegMinutes    byte = 0x02
	cmosRegHours      byte = 0x04
	cmosRegWeekday    byte = 0x06
	cmosRegDayOfMonth byte = 0x07
	cmosRegMonth      byte = 0x08
	cmosRegYear       byte = 0x09
	cmosRegStatusA    byte = 0x0A
	cmosRegStatusB    byte = 0x0B
	cmosRegStatusC    byte = 0x0C
	cmosRegStatusD    byte = 0x0D
	cmosRegCentury    byte = 0x32

	cmosNMIDisable = 1 << 7
)

const (
	// 24-hour BCD. The guest cannot change it.
	statusBDefault = 0x02

	// 32.768 kHz time base, 1024 Hz rate; UIP always clear.
	statusADefault = 0x26
	// Valid RAM and time.
	statusDValid = 0x80
)

// CMOS emulates the time-of-day half of the MC146818 RTC. The clock is read
// from the host at access time and guest writes to it are discarded, so the
// guest always observes host time in 24-hour BCD.
type CMOS struct {
	mu sync.Mutex

	addr      byte
	nmiMasked bool
	now       func() time.Time
}

// CMOSOption customises the RTC.
type CMOSOption func(*CMOS)

// WithClock overrides the time source used for RTC registers.
func WithClock(now func() time.Time) CMOSOption {
	return func(c *CMOS) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCMOS constructs an RTC device.
func NewCMOS(opts ...CMOSOption) *CMOS {
	c := &CMOS{now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start implements bus.ChangeDeviceState.
func (c *CMOS) Start() error { return nil }

// Stop implements bus.ChangeDeviceState.
func (c *CMOS) Stop() error { return nil }

// SupportsPortIO implements bus.ChipsetDevice.
func (c *CMOS) SupportsPortIO() *bus.PortIOIntercept {
	return &bus.PortIOIntercept{
		Ranges:  []bus.PortRange{{Base: cmosAddrPort, Size: 2}},
		Handler: c,
	}
}

// SupportsMmio implements bus.ChipsetDevice.
func (c *CMOS) SupportsMmio() *bus.MmioIntercept { return nil }

// ReadIOPort implements bus.PortIOHandler.
func (c *CMOS) ReadIOPort(port uint16, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range data {
		switch port {
		case cmosAddrPort:
			data[i] = c.addr
		case cmosDataPort:
			data[i] = c.readRegisterLocked(c.addr)
		default:
			return fmt.Errorf("cmos: invalid read port 0x%04x", port)
		}
	}
	return nil
}

// WriteIOPort implements bus.PortIOHandler.
func (c *CMOS) WriteIOPort(port uint16, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch port {
	case cmosAddrPort:
		value := data[len(data)-1]
		c.addr = value &^ cmosNMIDisable
		c.nmiMasked = value&cmosNMIDisable != 0
	case cmosDataPort:
		// Read-only clock.
	default:
		return fmt.Errorf("cmos: invalid write port 0x%04x", port)
	}
	return nil
}

// NMIMasked reports whether the guest last selected a register with the
// NMI disable bit set.
func (c *CMOS) NMIMasked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nmiMasked
}

func (c *CMOS) readRegisterLocked(idx byte) byte {
	switch idx {
	case cmosRegStatusA:
		return statusADefault
	case cmosRegStatusB:
		return statusBDefault
	case cmosRegStatusC:
		return 0
	case cmosRegStatusD:
		return statusDValid
	case cmosRegSeconds, cmosRegMinutes, cmosRegHours,
		cmosRegWeekday, cmosRegDayOfMonth, cmosRegMonth,
		cmosRegYear, cmosRegCentury:
	default:
		return 0
	}

	fields := c.currentTimeFieldsLocked()
	switch idx {
	case cmosRegSeconds:
		return fields.second
	case cmosRegMinutes:
		return fields.minute
	case cmosRegHours:
		return fields.hour
	case cmosRegWeekday:
		return fields.weekday
	case cmosRegDayOfMonth:
		return fields.day
	case cmosRegMonth:
		return fields.month
	case cmosRegYear:
		return fields.year
	default:
		return fields.century
	}
}

func (c *CMOS) currentTimeFieldsLocked() rtcFields {
	t := c.now().UTC()
	yearFull := t.Year()

	return rtcFields{
		second:  toBCD(byte(t.Second())),
		minute:  toBCD(byte(t.Minute())),
		hour:    toBCD(byte(t.Hour())),
		weekday: toBCD(byte(t.Weekday()) + 1),
		day:     toBCD(byte(t.Day())),
		month:   toBCD(byte(t.Month())),
		year:    toBCD(byte(yearFull % 100)),
		century: toBCD(byte(yearFull / 100)),
	}
}

type rtcFields struct {
	second, minute, hour byte
	weekday, day, month  byte
	year, century        byte
}

func toBCD(v byte) byte {
	return ((v / 10) << 4) | (v % 10)
}

var (
	_ bus.ChipsetDevice = (*CMOS)(nil)
	_ bus.PortIOHandler = (*CMOS)(nil)
)
