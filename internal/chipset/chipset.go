package chipset

import (
	"errors"
	"fmt"
)

// UnhandledFill is the byte returned for reads nothing claims, matching a
// floating ISA bus.
const UnhandledFill = 0xff

// Chipset represents the built dispatch tables for chipset devices. It is
// immutable and safe for concurrent use by every vCPU.
type Chipset struct {
	devices []namedDevice
	pio     rangeTable[PortIOHandler]
	mmio    rangeTable[MmioHandler]
}

// Start activates all registered devices.
func (c *Chipset) Start() error {
	for _, d := range c.devices {
		if err := d.dev.Start(); err != nil {
			return fmt.Errorf("chipset: start device %q: %w", d.name, err)
		}
	}
	return nil
}

// Stop deactivates all registered devices. Every device is stopped even if
// one fails.
func (c *Chipset) Stop() error {
	var errs []error
	for _, d := range c.devices {
		if err := d.dev.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("chipset: stop device %q: %w", d.name, err))
		}
	}
	return errors.Join(errs...)
}

// ReadPort dispatches an I/O port read. When no device claims the port,
// data is filled with UnhandledFill and handled is false.
func (c *Chipset) ReadPort(port uint16, data []byte) (handled bool, err error) {
	b, ok := c.pio.lookup(uint64(port), 1)
	if !ok {
		fill(data)
		return false, nil
	}
	return true, b.handler.ReadIOPort(port, data)
}

// WritePort dispatches an I/O port write. Writes nothing claims are dropped.
func (c *Chipset) WritePort(port uint16, data []byte) (handled bool, err error) {
	b, ok := c.pio.lookup(uint64(port), 1)
	if !ok {
		return false, nil
	}
	return true, b.handler.WriteIOPort(port, data)
}

// ReadMMIO dispatches an MMIO read. The access must fall entirely inside
// one region.
func (c *Chipset) ReadMMIO(addr uint64, data []byte) (handled bool, err error) {
	b, ok := c.mmio.lookup(addr, uint64(len(data)))
	if !ok {
		fill(data)
		return false, nil
	}
	return true, b.handler.ReadMMIO(addr, data)
}

// WriteMMIO dispatches an MMIO write.
func (c *Chipset) WriteMMIO(addr uint64, data []byte) (handled bool, err error) {
	b, ok := c.mmio.lookup(addr, uint64(len(data)))
	if !ok {
		return false, nil
	}
	return true, b.handler.WriteMMIO(addr, data)
}

// Devices returns the registered device names in registration order.
func (c *Chipset) Devices() []string {
	names := make([]string, len(c.devices))
	for i, d := range c.devices {
		names[i] = d.name
	}
	return names
}

func fill(data []byte) {
	for i := range data {
		data[i] = UnhandledFill
	}
}
