package hv

import (
	"errors"
	"fmt"
	"syscall"
)

var (
	ErrOverlap        = errors.New("guest memory ranges overlap")
	ErrUnmappedAccess = errors.New("access to unmapped guest memory")
)

// HypervisorError is a failed call into the hypervisor. Code is the
// numeric failure reported by the host, usually an errno.
type HypervisorError struct {
	Op   string
	Code uintptr
}

// NewHypervisorError converts err into a HypervisorError. Errno values keep
// their number; other errors are reported with code 0.
func NewHypervisorError(op string, err error) error {
	if err == nil {
		return nil
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return &HypervisorError{Op: op, Code: uintptr(errno)}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (e *HypervisorError) Error() string {
	return fmt.Sprintf("hypervisor: %s failed: %s (code %d)", e.Op, syscall.Errno(e.Code).Error(), e.Code)
}

func (e *HypervisorError) Unwrap() error { return syscall.Errno(e.Code) }

type OverlapError struct {
	Name     string
	Base     uint64
	Size     uint64
	Existing string
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("address space: %s [0x%x-0x%x) overlaps %s", e.Name, e.Base, e.Base+e.Size, e.Existing)
}

func (e *OverlapError) Unwrap() error { return ErrOverlap }

type UnmappedAccessError struct {
	Addr uint64
	Len  int
}

func (e *UnmappedAccessError) Error() string {
	return fmt.Sprintf("address space: %d byte access at 0x%x is not backed by memory", e.Len, e.Addr)
}

func (e *UnmappedAccessError) Unwrap() error { return ErrUnmappedAccess }
