package amd64

import (
	"encoding/binary"

	"github.com/tinyrange/microvm/internal/hv"
)

const (
	CodeSelector = 0x10
	DataSelector = 0x18
	TSSSelector  = 0x20
)

// Descriptor is a packed GDT entry in the form the processor reads it.
type Descriptor uint64

// NewDescriptor packs base, limit, access byte and the 4-bit flags nibble.
func NewDescriptor(flags uint8, access uint8, base uint32, limit uint32) Descriptor {
	b, l := uint64(base), uint64(limit)
	return Descriptor((b&0xff000000)<<(56-24) |
		uint64(flags&0xf)<<52 |
		(l&0x000f0000)<<(48-16) |
		uint64(access)<<40 |
		(b&0x00ffffff)<<16 |
		l&0x0000ffff)
}

func (d Descriptor) Base() uint64 {
	v := uint64(d)
	return (v>>16)&0x00ffffff | (v>>(56-24))&0xff000000
}

func (d Descriptor) Limit() uint32 {
	v := uint64(d)
	return uint32(v&0xffff | (v>>(48-16))&0x000f0000)
}

func (d Descriptor) Access() uint8 { return uint8(uint64(d) >> 40) }
func (d Descriptor) Flags() uint8  { return uint8(uint64(d)>>52) & 0xf }

// Segment unpacks the descriptor into a segment register loaded with sel.
// The limit is expanded to bytes when the granularity bit is set.
func (d Descriptor) Segment(sel uint16) hv.Segment {
	access, flags := d.Access(), d.Flags()
	g := flags >> 3 & 1
	limit := d.Limit()
	if g == 1 {
		limit = limit<<12 | 0xfff
	}
	return hv.Segment{
		Base:     d.Base(),
		Limit:    limit,
		Selector: sel,
		Type:     access & 0xf,
		Present:  access >> 7 & 1,
		DPL:      access >> 5 & 3,
		S:        access >> 4 & 1,
		DB:       flags >> 2 & 1,
		L:        flags >> 1 & 1,
		G:        g,
		AVL:      flags & 1,
		Unusable: ^access >> 7 & 1,
	}
}

var (
	code32Descriptor = NewDescriptor(0xc, 0x9a, 0, 0xfffff)
	code64Descriptor = NewDescriptor(0xa, 0x9a, 0, 0xfffff)
	dataDescriptor   = NewDescriptor(0xc, 0x93, 0, 0xfffff)
	tssDescriptor    = NewDescriptor(0x8, 0x89, 0, 0xfffff)
)

// GDT returns the descriptor table for the requested entry mode. Selector
// 0x08 is left null so CodeSelector indexes entry 2.
func GDT(longMode bool) []Descriptor {
	if longMode {
		return []Descriptor{0, 0, code64Descriptor, dataDescriptor, tssDescriptor, 0}
	}
	return []Descriptor{0, 0, code32Descriptor, dataDescriptor, tssDescriptor}
}

// IDT returns an empty interrupt table; the guest installs its own before
// enabling interrupts.
func IDT(longMode bool) []Descriptor {
	if longMode {
		return []Descriptor{0, 0}
	}
	return []Descriptor{0}
}

// MarshalTable encodes a descriptor table.
func MarshalTable(table []Descriptor) []byte {
	b := make([]byte, 0, len(table)*8)
	for _, d := range table {
		b = binary.LittleEndian.AppendUint64(b, uint64(d))
	}
	return b
}

// TableLimit is the limit field of a descriptor table register.
func TableLimit(table []Descriptor) uint16 {
	return uint16(len(table)*8 - 1)
}

// FlatSegments returns the code, data and task register segments for the
// table produced by GDT(longMode).
func FlatSegments(longMode bool) (code, data, tss hv.Segment) {
	table := GDT(longMode)
	return table[CodeSelector/8].Segment(CodeSelector),
		table[DataSelector/8].Segment(DataSelector),
		table[TSSSelector/8].Segment(TSSSelector)
}
