package amd64

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// XenElfnotePhys32Entry is the note type carrying the 32-bit PVH entry.
const XenElfnotePhys32Entry = 18

var (
	ErrNotELF            = errors.New("not an ELF image")
	ErrNoLoadableSegment = errors.New("ELF image has no loadable segments")
)

// Segment is one PT_LOAD segment. Bytes past len(Data) up to Memsz are
// zero-filled when loaded.
type Segment struct {
	Paddr uint64
	Memsz uint64
	Data  []byte
}

func (s Segment) End() uint64 { return s.Paddr + s.Memsz }

// ELFImage is an executable kernel image loaded at its physical addresses.
type ELFImage struct {
	Class    elf.Class
	Entry    uint64
	Segments []Segment

	// PVHEntry is valid when HasPVHEntry is set.
	PVHEntry    uint32
	HasPVHEntry bool
}

// IsELF reports whether data starts with the ELF magic.
func IsELF(data []byte) bool {
	return len(data) >= 4 && bytes.Equal(data[:4], []byte(elf.ELFMAG))
}

// ParseELF reads a little-endian x86 ELF executable. 64-bit images must be
// x86_64 and 32-bit images i386.
func ParseELF(data []byte) (*ELFImage, error) {
	if !IsELF(data) {
		return nil, ErrNotELF
	}
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open elf kernel: %w", err)
	}
	defer f.Close()

	if f.Data != elf.ELFDATA2LSB {
		return nil, fmt.Errorf("unsupported ELF byte order %v", f.Data)
	}
	switch {
	case f.Class == elf.ELFCLASS64 && f.Machine == elf.EM_X86_64:
	case f.Class == elf.ELFCLASS32 && f.Machine == elf.EM_386:
	default:
		return nil, fmt.Errorf("unsupported ELF %v machine %v", f.Class, f.Machine)
	}

	img := &ELFImage{Class: f.Class, Entry: f.Entry}
	for _, prog := range f.Progs {
		switch prog.Type {
		case elf.PT_LOAD:
			seg, err := readSegment(prog)
			if err != nil {
				return nil, err
			}
			if seg.Memsz > 0 {
				img.Segments = append(img.Segments, seg)
			}
		case elf.PT_NOTE:
			if img.HasPVHEntry {
				continue
			}
			entry, ok, err := findPVHNote(prog.Open())
			if err != nil {
				return nil, err
			}
			img.PVHEntry, img.HasPVHEntry = entry, ok
		}
	}
	if len(img.Segments) == 0 {
		return nil, ErrNoLoadableSegment
	}
	if img.Entry == 0 {
		return nil, errors.New("ELF kernel entry point is zero")
	}
	return img, nil
}

func readSegment(prog *elf.Prog) (Segment, error) {
	if prog.Filesz > prog.Memsz {
		return Segment{}, fmt.Errorf("ELF segment file size %#x exceeds mem size %#x", prog.Filesz, prog.Memsz)
	}
	if prog.Memsz > math.MaxInt32 {
		return Segment{}, fmt.Errorf("ELF segment mem size %#x exceeds host limits", prog.Memsz)
	}
	if prog.Paddr+prog.Memsz < prog.Paddr {
		return Segment{}, fmt.Errorf("ELF segment at %#x wraps", prog.Paddr)
	}
	data := make([]byte, int(prog.Filesz))
	if prog.Filesz > 0 {
		if _, err := prog.ReadAt(data, 0); err != nil {
			return Segment{}, fmt.Errorf("read ELF segment @%#x: %w", prog.Off, err)
		}
	}
	return Segment{Paddr: prog.Paddr, Memsz: prog.Memsz, Data: data}, nil
}

// findPVHNote walks an ELF note segment looking for the Xen PHYS32_ENTRY
// note. Note headers are three 32-bit words in both ELF classes.
func findPVHNote(r io.Reader) (uint32, bool, error) {
	notes, err := io.ReadAll(r)
	if err != nil {
		return 0, false, fmt.Errorf("read ELF notes: %w", err)
	}
	for len(notes) >= 12 {
		namesz := binary.LittleEndian.Uint32(notes[0:])
		descsz := binary.LittleEndian.Uint32(notes[4:])
		typ := binary.LittleEndian.Uint32(notes[8:])
		notes = notes[12:]

		nameLen := int(alignUp(uint64(namesz), 4))
		descLen := int(alignUp(uint64(descsz), 4))
		if nameLen > len(notes) || descLen > len(notes)-nameLen {
			return 0, false, errors.New("truncated ELF note")
		}
		name := notes[:namesz]
		desc := notes[nameLen : nameLen+int(descsz)]
		notes = notes[nameLen+descLen:]

		if string(name) == "Xen\x00" && typ == XenElfnotePhys32Entry {
			if len(desc) < 4 {
				return 0, false, errors.New("short PVH entry note")
			}
			return binary.LittleEndian.Uint32(desc), true, nil
		}
	}
	return 0, false, nil
}

// Span returns the lowest and one past the highest loaded address.
func (img *ELFImage) Span() (lo, hi uint64) {
	lo = math.MaxUint64
	for _, seg := range img.Segments {
		lo = min(lo, seg.Paddr)
		hi = max(hi, seg.End())
	}
	return lo, hi
}

func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
