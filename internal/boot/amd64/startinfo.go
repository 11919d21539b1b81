package amd64

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	HVMStartMagic   = 0x336ec578
	HVMStartVersion = 1

	HVMMemmapTypeRAM      = 1
	HVMMemmapTypeReserved = 2

	HVMStartInfoSize   = 56
	HVMModlistEntSize  = 32
	HVMMemmapEntrySize = 24
)

// HVMStartInfo is struct hvm_start_info handed to a PVH entry point in EBX.
type HVMStartInfo struct {
	Magic         uint32
	Version       uint32
	Flags         uint32
	NrModules     uint32
	ModlistPaddr  uint64
	CmdlinePaddr  uint64
	RsdpPaddr     uint64
	MemmapPaddr   uint64
	MemmapEntries uint32
	Reserved      uint32
}

// HVMModlistEntry is struct hvm_modlist_entry.
type HVMModlistEntry struct {
	Paddr        uint64
	Size         uint64
	CmdlinePaddr uint64
	Reserved     uint64
}

// HVMMemmapEntry is struct hvm_memmap_table_entry.
type HVMMemmapEntry struct {
	Addr     uint64
	Size     uint64
	Type     uint32
	Reserved uint32
}

// MarshalPVH encodes fixed-size PVH structures or slices of them.
func MarshalPVH(v any) ([]byte, error) {
	b, err := binary.Append(nil, binary.LittleEndian, v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return b, nil
}

// ParseHVMStartInfo decodes a start info structure.
func ParseHVMStartInfo(b []byte) (HVMStartInfo, error) {
	var si HVMStartInfo
	err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &si)
	return si, err
}

// HVMMemmapFromE820 converts e820 entries to the PVH memory map encoding.
func HVMMemmapFromE820(entries []E820Entry) []HVMMemmapEntry {
	out := make([]HVMMemmapEntry, len(entries))
	for i, e := range entries {
		typ := uint32(HVMMemmapTypeReserved)
		if e.Type == E820RAM {
			typ = HVMMemmapTypeRAM
		}
		out[i] = HVMMemmapEntry{Addr: e.Addr, Size: e.Size, Type: typ}
	}
	return out
}
