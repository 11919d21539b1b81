package hv

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
)

// MemoryRegion is a range of guest-physical memory backed by host bytes.
type MemoryRegion struct {
	Name string
	Base uint64
	Data []byte
	Perm Perm
}

func (r MemoryRegion) Size() uint64 { return uint64(len(r.Data)) }
func (r MemoryRegion) End() uint64  { return r.Base + uint64(len(r.Data)) }

// MMIOHole is a guest-physical range with no backing memory. Accesses to
// it trap to the device bus.
type MMIOHole struct {
	Name string
	Base uint64
	Size uint64
}

type span struct {
	base   uint64
	size   uint64
	name   string
	region *MemoryRegion
}

func (s span) end() uint64 { return s.base + s.size }

func spanLess(a, b span) bool { return a.base < b.base }

// AddressSpace maps guest-physical addresses to host memory. The table is
// built once before the guest runs; lookups read an immutable snapshot and
// never lock. Guest bytes are shared without synchronisation.
type AddressSpace struct {
	mu    sync.Mutex
	table atomic.Pointer[btree.BTreeG[span]]
}

func NewAddressSpace() *AddressSpace {
	a := &AddressSpace{}
	a.table.Store(btree.NewG(8, spanLess))
	return a
}

// Map adds a memory region. The address space is left unchanged when the
// region overlaps an existing region or hole.
func (a *AddressSpace) Map(r MemoryRegion) error {
	if len(r.Data) == 0 {
		return fmt.Errorf("address space: cannot map zero-size region %s", r.Name)
	}
	region := r
	return a.insert(span{base: r.Base, size: r.Size(), name: r.Name, region: &region})
}

// DeclareHole reserves [base, base+size) as MMIO.
func (a *AddressSpace) DeclareHole(name string, base, size uint64) error {
	if size == 0 {
		return fmt.Errorf("address space: cannot declare zero-size hole %s", name)
	}
	return a.insert(span{base: base, size: size, name: name})
}

func (a *AddressSpace) insert(s span) error {
	if s.end() < s.base {
		return fmt.Errorf("address space: %s [0x%x+0x%x) wraps the address space", s.name, s.base, s.size)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	t := a.table.Load()
	if existing, ok := overlapping(t, s); ok {
		return &OverlapError{Name: s.name, Base: s.base, Size: s.size, Existing: existing.name}
	}

	next := t.Clone()
	next.ReplaceOrInsert(s)
	a.table.Store(next)
	return nil
}

func overlapping(t *btree.BTreeG[span], s span) (span, bool) {
	var hit span
	found := false
	t.DescendLessOrEqual(span{base: s.base}, func(prev span) bool {
		if prev.end() > s.base {
			hit, found = prev, true
		}
		return false
	})
	if found {
		return hit, true
	}
	t.AscendGreaterOrEqual(span{base: s.base}, func(next span) bool {
		if next.base < s.end() {
			hit, found = next, true
		}
		return false
	})
	return hit, found
}

func (a *AddressSpace) find(addr uint64) (span, bool) {
	var hit span
	found := false
	a.table.Load().DescendLessOrEqual(span{base: addr}, func(s span) bool {
		if addr < s.end() {
			hit, found = s, true
		}
		return false
	})
	return hit, found
}

// Lookup resolves addr to its region and the offset inside it.
func (a *AddressSpace) Lookup(addr uint64) (MemoryRegion, uint64, bool) {
	s, ok := a.find(addr)
	if !ok || s.region == nil {
		return MemoryRegion{}, 0, false
	}
	return *s.region, addr - s.base, true
}

// IsMMIO reports whether addr falls inside a declared hole.
func (a *AddressSpace) IsMMIO(addr uint64) bool {
	s, ok := a.find(addr)
	return ok && s.region == nil
}

// Contains reports whether every byte of [addr, addr+n) is backed.
func (a *AddressSpace) Contains(addr, n uint64) bool {
	for n > 0 {
		s, ok := a.find(addr)
		if !ok || s.region == nil {
			return false
		}
		chunk := min(n, s.end()-addr)
		addr += chunk
		n -= chunk
	}
	return true
}

// Read copies guest memory at addr into p. The range may span adjacent
// regions.
func (a *AddressSpace) Read(addr uint64, p []byte) error {
	return a.transfer(addr, p, false)
}

// Write copies p into guest memory at addr.
func (a *AddressSpace) Write(addr uint64, p []byte) error {
	return a.transfer(addr, p, true)
}

func (a *AddressSpace) transfer(addr uint64, p []byte, write bool) error {
	if !a.Contains(addr, uint64(len(p))) {
		return &UnmappedAccessError{Addr: addr, Len: len(p)}
	}
	for len(p) > 0 {
		s, _ := a.find(addr)
		off := addr - s.base
		var n int
		if write {
			n = copy(s.region.Data[off:], p)
		} else {
			n = copy(p, s.region.Data[off:])
		}
		addr += uint64(n)
		p = p[n:]
	}
	return nil
}

// ReadAt implements io.ReaderAt over guest-physical addresses.
func (a *AddressSpace) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, &UnmappedAccessError{Addr: uint64(off), Len: len(p)}
	}
	if err := a.Read(uint64(off), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteAt implements io.WriterAt over guest-physical addresses.
func (a *AddressSpace) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, &UnmappedAccessError{Addr: uint64(off), Len: len(p)}
	}
	if err := a.Write(uint64(off), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Slice returns the host view of [addr, addr+n). The range must lie inside
// a single region.
func (a *AddressSpace) Slice(addr, n uint64) ([]byte, error) {
	s, ok := a.find(addr)
	if !ok || s.region == nil || n > s.end()-addr {
		return nil, &UnmappedAccessError{Addr: addr, Len: int(n)}
	}
	off := addr - s.base
	return s.region.Data[off : off+n : off+n], nil
}

// Regions returns the memory regions ordered by base address.
func (a *AddressSpace) Regions() []MemoryRegion {
	var out []MemoryRegion
	a.table.Load().Ascend(func(s span) bool {
		if s.region != nil {
			out = append(out, *s.region)
		}
		return true
	})
	return out
}

// Holes returns the declared MMIO holes ordered by base address.
func (a *AddressSpace) Holes() []MMIOHole {
	var out []MMIOHole
	a.table.Load().Ascend(func(s span) bool {
		if s.region == nil {
			out = append(out, MMIOHole{Name: s.name, Base: s.base, Size: s.size})
		}
		return true
	})
	return out
}

// Size is the total number of backed bytes.
func (a *AddressSpace) Size() uint64 {
	var total uint64
	a.table.Load().Ascend(func(s span) bool {
		if s.region != nil {
			total += s.size
		}
		return true
	})
	return total
}

// AlignUp rounds value up to a power-of-two alignment.
func AlignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
