package amd64

import (
	"encoding/binary"
)

const (
	MultibootHeaderMagic     = 0x1badb002
	MultibootBootloaderMagic = 0x2badb002

	// MultibootSearch is how far into the image the header may start.
	MultibootSearch = 8192

	MultibootInfoMemory  = 0x001
	MultibootInfoCmdline = 0x004
	MultibootInfoMods    = 0x008
	MultibootInfoMemMap  = 0x040
	MultibootInfoLoader  = 0x200

	MultibootInfoAlign = 4
	MultibootModAlign  = 0x1000

	MultibootInfoSize    = 116
	MultibootModuleSize  = 16
	MultibootMmapEntSize = 24

	MultibootMemoryAvailable = 1
	MultibootMemoryReserved  = 2
)

// FindMultibootHeader returns the offset of the multiboot header magic on a
// 32-bit boundary within the search window.
func FindMultibootHeader(data []byte) (int, bool) {
	limit := min(len(data), MultibootSearch)
	for off := 0; off+4 <= limit; off += 4 {
		if binary.LittleEndian.Uint32(data[off:]) == MultibootHeaderMagic {
			return off, true
		}
	}
	return 0, false
}

// MultibootInfo is struct multiboot_info without the symbol, drive, APM,
// VBE and framebuffer fields, which are left zero.
type MultibootInfo struct {
	Flags          uint32
	MemLower       uint32
	MemUpper       uint32
	Cmdline        uint32
	ModsCount      uint32
	ModsAddr       uint32
	MmapLength     uint32
	MmapAddr       uint32
	BootLoaderName uint32
}

func (m *MultibootInfo) Marshal() []byte {
	b := make([]byte, MultibootInfoSize)
	le := binary.LittleEndian
	le.PutUint32(b[0:], m.Flags)
	le.PutUint32(b[4:], m.MemLower)
	le.PutUint32(b[8:], m.MemUpper)
	// boot_device at 12 is not reported.
	le.PutUint32(b[16:], m.Cmdline)
	le.PutUint32(b[20:], m.ModsCount)
	le.PutUint32(b[24:], m.ModsAddr)
	le.PutUint32(b[44:], m.MmapLength)
	le.PutUint32(b[48:], m.MmapAddr)
	le.PutUint32(b[64:], m.BootLoaderName)
	return b
}

// ParseMultibootInfo decodes the fields written by Marshal.
func ParseMultibootInfo(b []byte) MultibootInfo {
	le := binary.LittleEndian
	return MultibootInfo{
		Flags:          le.Uint32(b[0:]),
		MemLower:       le.Uint32(b[4:]),
		MemUpper:       le.Uint32(b[8:]),
		Cmdline:        le.Uint32(b[16:]),
		ModsCount:      le.Uint32(b[20:]),
		ModsAddr:       le.Uint32(b[24:]),
		MmapLength:     le.Uint32(b[44:]),
		MmapAddr:       le.Uint32(b[48:]),
		BootLoaderName: le.Uint32(b[64:]),
	}
}

// MultibootModule is one entry of the module list.
type MultibootModule struct {
	Start  uint32
	End    uint32
	String uint32
}

func (m MultibootModule) Marshal() []byte {
	b := make([]byte, MultibootModuleSize)
	binary.LittleEndian.PutUint32(b[0:], m.Start)
	binary.LittleEndian.PutUint32(b[4:], m.End)
	binary.LittleEndian.PutUint32(b[8:], m.String)
	return b
}

// MarshalMultibootMmap encodes memory map entries. Each entry's size field
// counts the 20 bytes that follow it.
func MarshalMultibootMmap(entries []E820Entry) []byte {
	b := make([]byte, 0, len(entries)*MultibootMmapEntSize)
	for _, e := range entries {
		typ := uint32(MultibootMemoryReserved)
		if e.Type == E820RAM {
			typ = MultibootMemoryAvailable
		}
		b = binary.LittleEndian.AppendUint32(b, MultibootMmapEntSize-4)
		b = binary.LittleEndian.AppendUint64(b, e.Addr)
		b = binary.LittleEndian.AppendUint64(b, e.Size)
		b = binary.LittleEndian.AppendUint32(b, typ)
	}
	return b
}
