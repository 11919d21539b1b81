package chipset

import (
	"errors"
	"fmt"

	"github.com/google/btree"
)

// ErrRangeOverlap is returned when two devices claim intersecting ranges in
// the same address space.
var ErrRangeOverlap = errors.New("chipset: device ranges overlap")

type binding[H any] struct {
	base    uint64
	size    uint64
	owner   string
	handler H
}

func (b binding[H]) end() uint64 { return b.base + b.size }

func bindingLess[H any](a, b binding[H]) bool { return a.base < b.base }

// rangeTable is an ordered set of disjoint ranges.
type rangeTable[H any] struct {
	tree *btree.BTreeG[binding[H]]
}

func newRangeTable[H any]() rangeTable[H] {
	return rangeTable[H]{tree: btree.NewG(4, bindingLess[H])}
}

func (t rangeTable[H]) insert(b binding[H]) error {
	var conflict *binding[H]
	t.tree.DescendLessOrEqual(binding[H]{base: b.base}, func(prev binding[H]) bool {
		if prev.end() > b.base {
			conflict = &prev
		}
		return false
	})
	if conflict == nil {
		t.tree.AscendGreaterOrEqual(binding[H]{base: b.base}, func(next binding[H]) bool {
			if next.base < b.end() {
				conflict = &next
			}
			return false
		})
	}
	if conflict != nil {
		return fmt.Errorf("%w: %s [0x%x-0x%x) and %s [0x%x-0x%x)",
			ErrRangeOverlap, b.owner, b.base, b.end(), conflict.owner, conflict.base, conflict.end())
	}
	t.tree.ReplaceOrInsert(b)
	return nil
}

// lookup returns the binding that fully contains [addr, addr+n).
func (t rangeTable[H]) lookup(addr, n uint64) (binding[H], bool) {
	var hit binding[H]
	found := false
	t.tree.DescendLessOrEqual(binding[H]{base: addr}, func(b binding[H]) bool {
		if addr+n <= b.end() {
			hit, found = b, true
		}
		return false
	})
	return hit, found
}

// Builder registers devices and their intercepts before creating a Chipset.
type Builder struct {
	devices []namedDevice
	names   map[string]bool
	pio     rangeTable[PortIOHandler]
	mmio    rangeTable[MmioHandler]
}

type namedDevice struct {
	name string
	dev  ChipsetDevice
}

// NewBuilder returns an empty Builder instance.
func NewBuilder() *Builder {
	return &Builder{
		names: make(map[string]bool),
		pio:   newRangeTable[PortIOHandler](),
		mmio:  newRangeTable[MmioHandler](),
	}
}

// RegisterDevice adds a chipset device and wires up its intercepts.
func (b *Builder) RegisterDevice(name string, dev ChipsetDevice) error {
	if name == "" {
		return fmt.Errorf("chipset: device name is empty")
	}
	if dev == nil {
		return fmt.Errorf("chipset: device %q is nil", name)
	}
	if b.names[name] {
		return fmt.Errorf("chipset: device %q already registered", name)
	}

	if intercept := dev.SupportsPortIO(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("chipset: device %q provided port ranges with nil handler", name)
		}
		for _, r := range intercept.Ranges {
			if err := b.withPioRange(name, r, intercept.Handler); err != nil {
				return err
			}
		}
	}

	if intercept := dev.SupportsMmio(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("chipset: device %q provided MMIO regions with nil handler", name)
		}
		for _, region := range intercept.Regions {
			if err := b.withMmioRegion(name, region.Address, region.Size, intercept.Handler); err != nil {
				return err
			}
		}
	}

	b.names[name] = true
	b.devices = append(b.devices, namedDevice{name: name, dev: dev})
	return nil
}

// WithPioRange registers a handler for a block of I/O ports without a
// backing device.
func (b *Builder) WithPioRange(base, size uint16, handler PortIOHandler) error {
	return b.withPioRange(fmt.Sprintf("pio@0x%x", base), PortRange{Base: base, Size: size}, handler)
}

func (b *Builder) withPioRange(owner string, r PortRange, handler PortIOHandler) error {
	if handler == nil {
		return fmt.Errorf("chipset: PIO handler for port 0x%x is nil", r.Base)
	}
	if r.Size == 0 {
		return fmt.Errorf("chipset: PIO range at 0x%x has zero size", r.Base)
	}
	if r.end() > 0x10000 {
		return fmt.Errorf("chipset: PIO range at 0x%x size 0x%x exceeds the port space", r.Base, r.Size)
	}
	return b.pio.insert(binding[PortIOHandler]{base: uint64(r.Base), size: uint64(r.Size), owner: owner, handler: handler})
}

// WithMmioRegion registers a memory-mapped region handler.
func (b *Builder) WithMmioRegion(base, size uint64, handler MmioHandler) error {
	return b.withMmioRegion(fmt.Sprintf("mmio@0x%x", base), base, size, handler)
}

func (b *Builder) withMmioRegion(owner string, base, size uint64, handler MmioHandler) error {
	if handler == nil {
		return fmt.Errorf("chipset: MMIO handler for region 0x%x size 0x%x is nil", base, size)
	}
	if size == 0 {
		return fmt.Errorf("chipset: MMIO region at 0x%x has zero size", base)
	}
	if base+size < base {
		return fmt.Errorf("chipset: MMIO region at 0x%x with size 0x%x overflows", base, size)
	}
	return b.mmio.insert(binding[MmioHandler]{base: base, size: size, owner: owner, handler: handler})
}

// Build finalizes the chipset layout and returns the constructed Chipset.
// The builder must not be used afterwards.
func (b *Builder) Build() (*Chipset, error) {
	c := &Chipset{
		devices: append([]namedDevice(nil), b.devices...),
		pio:     b.pio,
		mmio:    b.mmio,
	}
	b.pio = newRangeTable[PortIOHandler]()
	b.mmio = newRangeTable[MmioHandler]()
	return c, nil
}
