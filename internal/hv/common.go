package hv

import (
	"context"
	"errors"
	"io"
)

var (
	ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")

	// ErrGuestRequestedReboot is returned by device handlers when the guest
	// asks for a CPU reset.
	ErrGuestRequestedReboot = errors.New("guest requested reboot")
)

// Perm is the access mask of a guest memory region.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec

	PermRWX = PermRead | PermWrite | PermExec
)

func (p Perm) String() string {
	b := []byte("---")
	if p&PermRead != 0 {
		b[0] = 'r'
	}
	if p&PermWrite != 0 {
		b[1] = 'w'
	}
	if p&PermExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// HostMemory is host storage handed out by a Hypervisor for use as guest
// RAM. Bytes stays valid until Close.
type HostMemory interface {
	io.Closer

	Bytes() []byte
}

type VMConfig struct {
	CPUCount int

	// InterruptSupport asks the backend for an in-kernel interrupt
	// controller so devices can raise lines with SetIRQ.
	InterruptSupport bool
}

type Hypervisor interface {
	io.Closer

	AllocateMemory(size uint64) (HostMemory, error)

	NewVirtualMachine(config VMConfig) (VirtualMachine, error)
}

type VirtualMachine interface {
	io.Closer

	// MapMemory registers a region of host memory at a guest-physical base.
	MapMemory(region MemoryRegion) error

	NewVirtualCPU(id int) (VirtualCPU, error)

	SetIRQ(line uint32, level bool) error
}

// VirtualCPU is owned by exactly one goroutine for its lifetime. Backends
// may require that goroutine to stay locked to its OS thread.
type VirtualCPU interface {
	io.Closer

	ID() int

	// Configure applies the initial architectural state. It must be called
	// once before the first Run.
	Configure(state *CpuInitState) error

	// Run enters the guest and blocks until the next exit. When ctx is
	// cancelled an in-flight run returns ctx.Err() at its next boundary.
	// The returned Exit and its Data stay valid until the next Run.
	Run(ctx context.Context) (*Exit, error)
}
