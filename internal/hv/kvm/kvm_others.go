//go:build !(linux && amd64)

package kvm

import "github.com/tinyrange/microvm/internal/hv"

// Open reports that KVM is unavailable on this platform.
func Open() (hv.Hypervisor, error) {
	return nil, hv.ErrHypervisorUnsupported
}
