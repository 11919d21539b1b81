package vmm

import (
	"io"

	"github.com/tinyrange/microvm/internal/chipset"
	amd64chipset "github.com/tinyrange/microvm/internal/devices/amd64/chipset"
	"github.com/tinyrange/microvm/internal/devices/amd64/input"
	"github.com/tinyrange/microvm/internal/devices/amd64/serial"
)

// devices is the fixed board: four UARTs, the RTC, the keyboard controller
// and the reset control register.
type devices struct {
	bus     *chipset.Chipset
	lines   *chipset.LineSet
	console *serial.Serial16550
}

func newDevices(sink chipset.InterruptSink, cfg *Config) (*devices, error) {
	lines := chipset.NewLineSet(sink)

	// COM3 and COM4 share IRQs with COM1 and COM2 on a PC. Nothing reads
	// them, so they get detached lines that cannot lower the console's.
	uarts := []struct {
		name string
		base uint16
		line chipset.LineInterrupt
		out  io.Writer
	}{
		{"com1", serial.COM1Base, lines.AllocateLine(serial.COM1IRQ), cfg.Console},
		{"com2", serial.COM2Base, lines.AllocateLine(serial.COM2IRQ), io.Discard},
		{"com3", serial.COM3Base, chipset.LineInterruptDetached(), io.Discard},
		{"com4", serial.COM4Base, chipset.LineInterruptDetached(), io.Discard},
	}

	b := chipset.NewBuilder()
	d := &devices{lines: lines}
	for _, u := range uarts {
		dev := serial.NewSerial16550(u.base, u.line, u.out)
		if u.base == serial.COM1Base {
			d.console = dev
		}
		if err := b.RegisterDevice(u.name, dev); err != nil {
			return nil, err
		}
	}
	if err := b.RegisterDevice("rtc", amd64chipset.NewCMOS(amd64chipset.WithClock(cfg.Clock))); err != nil {
		return nil, err
	}
	if err := b.RegisterDevice("i8042", input.NewI8042()); err != nil {
		return nil, err
	}
	if err := b.RegisterDevice("reset", amd64chipset.NewResetControl()); err != nil {
		return nil, err
	}

	bus, err := b.Build()
	if err != nil {
		return nil, err
	}
	d.bus = bus
	return d, nil
}
