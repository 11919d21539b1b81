package boot

import (
	"fmt"

	"github.com/tinyrange/microvm/internal/hv"
)

// allocator hands out guest memory upwards from the end of the kernel.
// Nothing is ever freed.
type allocator struct {
	mem  *hv.AddressSpace
	next uint64
}

func newAllocator(mem *hv.AddressSpace, start uint64) *allocator {
	return &allocator{mem: mem, next: start}
}

// reserve returns size bytes aligned to align inside a single RAM region.
// When the current region is exhausted the search moves to the next one.
func (a *allocator) reserve(what string, size, align uint64) (uint64, error) {
	if size == 0 {
		size = 1
	}
	addr := hv.AlignUp(a.next, align)
	for _, r := range a.mem.Regions() {
		if r.End() <= addr {
			continue
		}
		addr = hv.AlignUp(max(addr, r.Base), align)
		if addr+size >= addr && addr+size <= r.End() {
			a.next = addr + size
			return addr, nil
		}
	}
	return 0, outOfMemory("%s needs %#x bytes above %#x", what, size, a.next)
}

// place copies data into freshly reserved guest memory.
func (a *allocator) place(what string, data []byte, align uint64) (uint64, error) {
	addr, err := a.reserve(what, uint64(len(data)), align)
	if err != nil {
		return 0, err
	}
	if err := a.mem.Write(addr, data); err != nil {
		return 0, fmt.Errorf("boot: write %s: %w", what, err)
	}
	return addr, nil
}

// placeString stores s with a trailing NUL.
func (a *allocator) placeString(what, s string, align uint64) (uint64, error) {
	return a.place(what, append([]byte(s), 0), align)
}
