package boot

import (
	amd64boot "github.com/tinyrange/microvm/internal/boot/amd64"
	"github.com/tinyrange/microvm/internal/hv"
)

// Fixed guest-physical layout below 1 MiB. The kernel, command line, boot
// information and initrd all live at or above HighMemoryStart.
const (
	GDTAddr         = 0x0500
	IDTAddr         = 0x0530
	PageTableAddr   = 0x8000
	StackPointer    = 0x80000
	EBDAStart       = 0x9fc00
	RSDPAddr        = 0xe0000
	HighMemoryStart = 0x100000

	// SecondaryStackStride separates the initial stacks of application
	// processors below StackPointer.
	SecondaryStackStride = 0x2000

	// PVHCmdlineMax and MultibootCmdlineMax are the limits enforced for
	// protocols without a header-provided size.
	PVHCmdlineMax       = 2048
	MultibootCmdlineMax = 4096
)

const (
	cr0PE   = 1 << 0
	cr0PG   = 1 << 31
	cr4PAE  = 1 << 5
	eferLME = 1 << 8
	eferLMA = 1 << 10

	rflagsReserved = 1 << 1

	pageSize      = 0x1000
	initrdAlign   = 0x100000
	cmdlineAlign  = 16
	pointerAlign  = 8
	bootLoaderTag = "microvm"
)

// MemoryMap describes the guest's backed memory to the kernel. The range
// from the EBDA to 1 MiB is reported reserved; holes are left out.
func MemoryMap(mem *hv.AddressSpace) []amd64boot.E820Entry {
	var out []amd64boot.E820Entry
	add := func(lo, hi uint64, typ uint32) {
		if hi <= lo {
			return
		}
		if n := len(out); n > 0 && out[n-1].Type == typ && out[n-1].End() == lo {
			out[n-1].Size += hi - lo
			return
		}
		out = append(out, amd64boot.E820Entry{Addr: lo, Size: hi - lo, Type: typ})
	}
	for _, r := range mem.Regions() {
		lo, hi := r.Base, r.End()
		add(lo, min(hi, EBDAStart), amd64boot.E820RAM)
		add(max(lo, EBDAStart), min(hi, HighMemoryStart), amd64boot.E820Reserved)
		add(max(lo, HighMemoryStart), hi, amd64boot.E820RAM)
	}
	return out
}

// lowMemoryEnd is the end of the RAM region that contains HighMemoryStart.
func lowMemoryEnd(mem *hv.AddressSpace) uint64 {
	r, _, ok := mem.Lookup(HighMemoryStart)
	if !ok {
		return HighMemoryStart
	}
	return r.End()
}
