package input

import (
	"fmt"
	"sync/atomic"

	"github.com/tinyrange/microvm/internal/chipset"
	"github.com/tinyrange/microvm/internal/hv"
)

const (
	i8042DataPort    = 0x60
	i8042CommandPort = 0x64

	i8042CommandResetCPU = 0xfe
)

// I8042 models only the reset line of the PC keyboard controller. Both
// buffers always read as empty, so the guest's keyboard probe fails fast
// instead of waiting for a controller that never answers.
type I8042 struct {
	ignored atomic.Uint64
}

func NewI8042() *I8042 {
	return &I8042{}
}

// Start implements chipset.ChangeDeviceState.
func (c *I8042) Start() error { return nil }

// Stop implements chipset.ChangeDeviceState.
func (c *I8042) Stop() error { return nil }

// SupportsPortIO implements chipset.ChipsetDevice. The data and command
// ports are registered separately so 0x61 (PC speaker) stays free.
func (c *I8042) SupportsPortIO() *chipset.PortIOIntercept {
	return &chipset.PortIOIntercept{
		Ranges: []chipset.PortRange{
			{Base: i8042DataPort, Size: 1},
			{Base: i8042CommandPort, Size: 1},
		},
		Handler: c,
	}
}

// SupportsMmio implements chipset.ChipsetDevice.
func (c *I8042) SupportsMmio() *chipset.MmioIntercept { return nil }

// ReadIOPort implements chipset.PortIOHandler. Both ports read as 0: the
// controller is present with empty buffers and never answers a command.
func (c *I8042) ReadIOPort(port uint16, data []byte) error {
	switch port {
	case i8042DataPort, i8042CommandPort:
		clear(data)
		return nil
	default:
		return fmt.Errorf("i8042: invalid read port 0x%04x", port)
	}
}

// WriteIOPort implements chipset.PortIOHandler. The CPU reset command
// surfaces as hv.ErrGuestRequestedReboot; every other write is ignored.
func (c *I8042) WriteIOPort(port uint16, data []byte) error {
	switch port {
	case i8042CommandPort:
		for _, value := range data {
			if value == i8042CommandResetCPU {
				return hv.ErrGuestRequestedReboot
			}
			c.ignored.Add(1)
		}
	case i8042DataPort:
		c.ignored.Add(uint64(len(data)))
	default:
		return fmt.Errorf("i8042: invalid write port 0x%04x", port)
	}
	return nil
}

// Ignored returns how many written bytes were dropped.
func (c *I8042) Ignored() uint64 { return c.ignored.Load() }

var (
	_ chipset.ChipsetDevice = (*I8042)(nil)
	_ chipset.PortIOHandler = (*I8042)(nil)
)
