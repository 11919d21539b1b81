package amd64

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	e820EntrySize  = 20
	E820MaxEntries = 128

	E820RAM      = 1
	E820Reserved = 2
)

// E820Entry describes a single BIOS e820 memory map entry.
type E820Entry struct {
	Addr uint64
	Size uint64
	Type uint32
}

func (e E820Entry) End() uint64 { return e.Addr + e.Size }

// ZeroPage holds the values a loader places into struct boot_params.
type ZeroPage struct {
	Header      *SetupHeader
	CmdlineAddr uint64
	RamdiskAddr uint64
	RamdiskSize uint64
	E820        []E820Entry
}

// Marshal renders the zero page.
func (z *ZeroPage) Marshal() ([]byte, error) {
	if z.Header == nil {
		return nil, errors.New("zero page has no setup header")
	}
	if len(z.E820) == 0 {
		return nil, errors.New("e820 map must contain at least one entry")
	}
	if len(z.E820) > E820MaxEntries {
		return nil, fmt.Errorf("too many e820 entries (%d > %d)", len(z.E820), E820MaxEntries)
	}

	zp := make([]byte, ZeroPageSize)
	z.Header.writeTo(zp)

	binary.LittleEndian.PutUint32(zp[cmdLinePtrOffset:], uint32(z.CmdlineAddr))
	binary.LittleEndian.PutUint32(zp[zeroPageExtCmdLinePtr:], uint32(z.CmdlineAddr>>32))

	if z.RamdiskSize > 0 {
		binary.LittleEndian.PutUint32(zp[ramdiskImageOffset:], uint32(z.RamdiskAddr))
		binary.LittleEndian.PutUint32(zp[ramdiskSizeOffset:], uint32(z.RamdiskSize))
		binary.LittleEndian.PutUint32(zp[zeroPageExtRamDiskImage:], uint32(z.RamdiskAddr>>32))
		binary.LittleEndian.PutUint32(zp[zeroPageExtRamDiskSize:], uint32(z.RamdiskSize>>32))
	}

	zp[zeroPageE820Entries] = byte(len(z.E820))
	for idx, ent := range z.E820 {
		base := zeroPageE820Table + idx*e820EntrySize
		binary.LittleEndian.PutUint64(zp[base:], ent.Addr)
		binary.LittleEndian.PutUint64(zp[base+8:], ent.Size)
		binary.LittleEndian.PutUint32(zp[base+16:], ent.Type)
	}
	return zp, nil
}

// ZeroPageView decodes the fields a kernel reads back out of boot_params.
type ZeroPageView []byte

func (v ZeroPageView) CmdlineAddr() uint64 {
	return uint64(binary.LittleEndian.Uint32(v[cmdLinePtrOffset:])) |
		uint64(binary.LittleEndian.Uint32(v[zeroPageExtCmdLinePtr:]))<<32
}

func (v ZeroPageView) Ramdisk() (addr, size uint64) {
	addr = uint64(binary.LittleEndian.Uint32(v[ramdiskImageOffset:])) |
		uint64(binary.LittleEndian.Uint32(v[zeroPageExtRamDiskImage:]))<<32
	size = uint64(binary.LittleEndian.Uint32(v[ramdiskSizeOffset:])) |
		uint64(binary.LittleEndian.Uint32(v[zeroPageExtRamDiskSize:]))<<32
	return addr, size
}

func (v ZeroPageView) TypeOfLoader() uint8 { return v[typeOfLoaderOffset] }
func (v ZeroPageView) LoadFlags() uint8    { return v[loadFlagsOffset] }
func (v ZeroPageView) HeapEndPtr() uint16  { return binary.LittleEndian.Uint16(v[heapEndPtrOffset:]) }
func (v ZeroPageView) Magic() string       { return string(v[setupHeaderHeaderOffset : setupHeaderHeaderOffset+4]) }

func (v ZeroPageView) E820() []E820Entry {
	n := int(v[zeroPageE820Entries])
	out := make([]E820Entry, 0, n)
	for i := 0; i < n; i++ {
		base := zeroPageE820Table + i*e820EntrySize
		out = append(out, E820Entry{
			Addr: binary.LittleEndian.Uint64(v[base:]),
			Size: binary.LittleEndian.Uint64(v[base+8:]),
			Type: binary.LittleEndian.Uint32(v[base+16:]),
		})
	}
	return out
}
