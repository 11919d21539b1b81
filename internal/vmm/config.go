package vmm

import (
	"fmt"
	"io"
	"time"

	"github.com/tinyrange/microvm/internal/acpi"
	"github.com/tinyrange/microvm/internal/boot"
	"github.com/tinyrange/microvm/internal/hv"
)

// Config describes one guest launch.
type Config struct {
	Kernel  []byte
	Initrd  []byte
	Modules []boot.Module
	Cmdline string

	CPUs       int
	MemorySize uint64

	// Console receives COM1 output. Nil discards it.
	Console io.Writer

	// ConsoleInput, when set, is fed into the COM1 receive FIFO.
	ConsoleInput io.Reader

	// Hypervisor defaults to KVM.
	Hypervisor hv.Hypervisor

	// Clock backs the RTC. Defaults to time.Now.
	Clock func() time.Time
}

// ConfigurationError reports an invalid Config. It is returned before any
// hypervisor resource is created.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("vmm: invalid configuration: %s: %s", e.Field, e.Reason)
}

const pageSize = 4096

func (c *Config) validate() error {
	switch {
	case c.CPUs < 1:
		return &ConfigurationError{Field: "cpus", Reason: fmt.Sprintf("%d is below 1", c.CPUs)}
	case c.CPUs > acpi.MaxCPUs:
		return &ConfigurationError{Field: "cpus", Reason: fmt.Sprintf("%d exceeds %d", c.CPUs, acpi.MaxCPUs)}
	case c.MemorySize == 0:
		return &ConfigurationError{Field: "memory", Reason: "size is zero"}
	case len(c.Kernel) == 0:
		return &ConfigurationError{Field: "kernel", Reason: "image is empty"}
	}
	return nil
}

// normalize fills defaults and rounds memory up to whole pages.
func (c *Config) normalize() {
	c.MemorySize = hv.AlignUp(c.MemorySize, pageSize)
	if c.Console == nil {
		c.Console = io.Discard
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}
