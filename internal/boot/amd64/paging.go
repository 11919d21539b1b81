package amd64

import (
	"encoding/binary"
	"fmt"
)

const (
	ptePresent  = 1 << 0
	pteWritable = 1 << 1
	pteHuge     = 1 << 7

	pageTableEntries = 512
	pageTableSize    = pageTableEntries * 8

	// IdentityMapSpan is the guest-physical range covered by the boot page
	// tables.
	IdentityMapSpan = 4 << 30

	identityDirectories = IdentityMapSpan >> 30

	// PageTablesSize is the room needed for PML4, PDPT and the directories.
	PageTablesSize = (2 + identityDirectories) * pageTableSize
)

// BuildIdentityPageTables writes a PML4, one PDPT and four page directories
// of 2 MiB pages into buf, which must sit at guest-physical base. The first
// 4 GiB are mapped one to one.
func BuildIdentityPageTables(buf []byte, base uint64) error {
	if len(buf) < PageTablesSize {
		return fmt.Errorf("page table buffer is %d bytes, need %d", len(buf), PageTablesSize)
	}
	if base&0xfff != 0 {
		return fmt.Errorf("page tables at %#x are not page aligned", base)
	}
	clear(buf[:PageTablesSize])

	le := binary.LittleEndian
	pdpt := base + pageTableSize
	le.PutUint64(buf[0:], pdpt|pteWritable|ptePresent)

	for gib := range identityDirectories {
		pdOff := (2 + gib) * pageTableSize
		pd := base + uint64(pdOff)
		le.PutUint64(buf[pageTableSize+gib*8:], pd|pteWritable|ptePresent)

		for i := range pageTableEntries {
			phys := uint64(gib)<<30 | uint64(i)<<21
			le.PutUint64(buf[pdOff+i*8:], phys|pteHuge|pteWritable|ptePresent)
		}
	}
	return nil
}
