// Package boottest builds small synthetic kernel images for loader and
// monitor tests.
package boottest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// HaltLoop is "1: hlt; jmp 1b", valid in 32-bit and 64-bit mode.
var HaltLoop = []byte{0xf4, 0xeb, 0xfd}

// Segment is a PT_LOAD segment. Memsz defaults to len(Data).
type Segment struct {
	Paddr uint64
	Data  []byte
	Memsz uint64
}

// ELF describes an executable to synthesize.
type ELF struct {
	Class    elf.Class
	Entry    uint64
	Segments []Segment
	Notes    []byte

	// Prefix is written right after the program headers, inside the first
	// 8 KiB, and is not part of any segment.
	Prefix []byte
}

// Build renders the image. Segment and note data follow the headers in
// declaration order.
func (e ELF) Build() []byte {
	var (
		is64    = e.Class == elf.ELFCLASS64
		ehsize  = 52
		phsize  = 32
		nphdr   = len(e.Segments)
		payload bytes.Buffer
		offsets []uint64
	)
	if is64 {
		ehsize, phsize = 64, 56
	}
	if len(e.Notes) > 0 {
		nphdr++
	}
	dataStart := uint64(ehsize + nphdr*phsize)

	payload.Write(e.Prefix)
	for _, seg := range e.Segments {
		offsets = append(offsets, dataStart+uint64(payload.Len()))
		payload.Write(seg.Data)
	}
	noteOff := dataStart + uint64(payload.Len())
	payload.Write(e.Notes)

	var out bytes.Buffer
	le := binary.LittleEndian
	ident := [elf.EI_NIDENT]byte{0x7f, 'E', 'L', 'F', byte(e.Class), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)}

	if is64 {
		binary.Write(&out, le, elf.Header64{
			Ident:     ident,
			Type:      uint16(elf.ET_EXEC),
			Machine:   uint16(elf.EM_X86_64),
			Version:   uint32(elf.EV_CURRENT),
			Entry:     e.Entry,
			Phoff:     uint64(ehsize),
			Ehsize:    uint16(ehsize),
			Phentsize: uint16(phsize),
			Phnum:     uint16(nphdr),
			Shentsize: 64,
		})
		for i, seg := range e.Segments {
			binary.Write(&out, le, elf.Prog64{
				Type:   uint32(elf.PT_LOAD),
				Flags:  uint32(elf.PF_R | elf.PF_W | elf.PF_X),
				Off:    offsets[i],
				Vaddr:  seg.Paddr,
				Paddr:  seg.Paddr,
				Filesz: uint64(len(seg.Data)),
				Memsz:  seg.memsz(),
				Align:  0x1000,
			})
		}
		if len(e.Notes) > 0 {
			binary.Write(&out, le, elf.Prog64{
				Type:   uint32(elf.PT_NOTE),
				Flags:  uint32(elf.PF_R),
				Off:    noteOff,
				Filesz: uint64(len(e.Notes)),
				Memsz:  uint64(len(e.Notes)),
				Align:  4,
			})
		}
	} else {
		binary.Write(&out, le, elf.Header32{
			Ident:     ident,
			Type:      uint16(elf.ET_EXEC),
			Machine:   uint16(elf.EM_386),
			Version:   uint32(elf.EV_CURRENT),
			Entry:     uint32(e.Entry),
			Phoff:     uint32(ehsize),
			Ehsize:    uint16(ehsize),
			Phentsize: uint16(phsize),
			Phnum:     uint16(nphdr),
			Shentsize: 40,
		})
		for i, seg := range e.Segments {
			binary.Write(&out, le, elf.Prog32{
				Type:   uint32(elf.PT_LOAD),
				Off:    uint32(offsets[i]),
				Vaddr:  uint32(seg.Paddr),
				Paddr:  uint32(seg.Paddr),
				Filesz: uint32(len(seg.Data)),
				Memsz:  uint32(seg.memsz()),
				Flags:  uint32(elf.PF_R | elf.PF_W | elf.PF_X),
				Align:  0x1000,
			})
		}
		if len(e.Notes) > 0 {
			binary.Write(&out, le, elf.Prog32{
				Type:   uint32(elf.PT_NOTE),
				Off:    uint32(noteOff),
				Filesz: uint32(len(e.Notes)),
				Memsz:  uint32(len(e.Notes)),
				Flags:  uint32(elf.PF_R),
				Align:  4,
			})
		}
	}
	out.Write(payload.Bytes())
	return out.Bytes()
}

func (s Segment) memsz() uint64 {
	if s.Memsz > uint64(len(s.Data)) {
		return s.Memsz
	}
	return uint64(len(s.Data))
}

// Note encodes one ELF note with 4-byte padding.
func Note(name string, typ uint32, desc []byte) []byte {
	var b bytes.Buffer
	le := binary.LittleEndian
	nameBytes := append([]byte(name), 0)
	binary.Write(&b, le, uint32(len(nameBytes)))
	binary.Write(&b, le, uint32(len(desc)))
	binary.Write(&b, le, typ)
	b.Write(pad4(nameBytes))
	b.Write(pad4(desc))
	return b.Bytes()
}

// PVHNote is the Xen PHYS32_ENTRY note for entry.
func PVHNote(entry uint32) []byte {
	return Note("Xen", 18, binary.LittleEndian.AppendUint32(nil, entry))
}

// MultibootHeader is a minimal multiboot header requesting memory info.
func MultibootHeader() []byte {
	var magic, flags uint32 = 0x1badb002, 0x00000002
	b := binary.LittleEndian.AppendUint32(nil, magic)
	b = binary.LittleEndian.AppendUint32(b, flags)
	return binary.LittleEndian.AppendUint32(b, -(magic + flags))
}

func pad4(b []byte) []byte {
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	return b
}

// Linux64 is a vmlinux-style ELF64 image with code at paddr.
func Linux64(paddr uint64, code []byte) []byte {
	return ELF{Class: elf.ELFCLASS64, Entry: paddr, Segments: []Segment{{Paddr: paddr, Data: code}}}.Build()
}

// Linux32 is an ELF32 image without a multiboot header.
func Linux32(paddr uint64, code []byte) []byte {
	return ELF{Class: elf.ELFCLASS32, Entry: paddr, Segments: []Segment{{Paddr: paddr, Data: code}}}.Build()
}

// PVH is an ELF64 image whose PVH note points at paddr.
func PVH(paddr uint64, code []byte) []byte {
	return ELF{
		Class: elf.ELFCLASS64,
		// The ELF entry is a 64-bit virtual address the loader must ignore.
		Entry:    0xffffffff81000000,
		Segments: []Segment{{Paddr: paddr, Data: code}},
		Notes:    PVHNote(uint32(paddr)),
	}.Build()
}

// Multiboot is an ELF32 image carrying a multiboot header.
func Multiboot(paddr uint64, code []byte) []byte {
	return ELF{
		Class:    elf.ELFCLASS32,
		Entry:    paddr,
		Segments: []Segment{{Paddr: paddr, Data: code}},
		Prefix:   MultibootHeader(),
	}.Build()
}

// BzImage describes a bzImage setup area.
type BzImage struct {
	SetupSects    uint8
	Version       uint16
	LoadFlags     uint8
	XLoadFlags    uint16
	Code32Start   uint32
	InitrdAddrMax uint32
	CmdlineSize   uint32
	Payload       []byte
}

// DefaultBzImage is a 2.15 protocol, 64-bit capable image.
func DefaultBzImage(payload []byte) BzImage {
	return BzImage{
		SetupSects:    4,
		Version:       0x020f,
		LoadFlags:     0x01,
		XLoadFlags:    0x01,
		Code32Start:   0x100000,
		InitrdAddrMax: 0x7fffffff,
		CmdlineSize:   2047,
		Payload:       payload,
	}
}

// Build renders the setup sectors followed by the payload.
func (z BzImage) Build() []byte {
	sects := int(z.SetupSects)
	if sects == 0 {
		sects = 4
	}
	img := make([]byte, (sects+1)*512)
	le := binary.LittleEndian
	img[0x1f1] = z.SetupSects
	le.PutUint16(img[0x1fe:], 0xaa55)
	// jump instruction at 0x200 followed by the header length byte.
	img[0x200] = 0xeb
	img[0x201] = 0x6a
	copy(img[0x202:], "HdrS")
	le.PutUint16(img[0x206:], z.Version)
	img[0x211] = z.LoadFlags
	le.PutUint32(img[0x214:], z.Code32Start)
	le.PutUint32(img[0x22c:], z.InitrdAddrMax)
	le.PutUint32(img[0x230:], 0x200000)
	img[0x234] = 1
	le.PutUint16(img[0x236:], z.XLoadFlags)
	le.PutUint32(img[0x238:], z.CmdlineSize)
	return append(img, z.Payload...)
}
