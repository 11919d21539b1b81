package vmm

import (
	"fmt"

	"github.com/tinyrange/microvm/internal/acpi"
	"github.com/tinyrange/microvm/internal/hv"
)

const (
	// LowMemoryLimit is where RAM below 4 GiB stops to leave room for the
	// PCI window and the interrupt controllers.
	LowMemoryLimit = 0xc000_0000

	// HighMemoryBase is where RAM above LowMemoryLimit continues.
	HighMemoryBase = 0x1_0000_0000

	pciHoleBase = LowMemoryLimit
	pciHoleSize = acpi.IOAPICAddr - pciHoleBase
	apicMMIO    = 0x1000
)

// layoutMemory maps at most lowLimit bytes of host memory at guest address
// zero and the rest at HighMemoryBase, then declares the MMIO holes.
func layoutMemory(host []byte, lowLimit uint64) (*hv.AddressSpace, error) {
	mem := hv.NewAddressSpace()
	size := uint64(len(host))

	low := min(size, lowLimit)
	if err := mem.Map(hv.MemoryRegion{Name: "ram-low", Base: 0, Data: host[:low], Perm: hv.PermRWX}); err != nil {
		return nil, fmt.Errorf("vmm: map low memory: %w", err)
	}
	if size > low {
		high := hv.MemoryRegion{Name: "ram-high", Base: HighMemoryBase, Data: host[low:], Perm: hv.PermRWX}
		if err := mem.Map(high); err != nil {
			return nil, fmt.Errorf("vmm: map high memory: %w", err)
		}
	}

	holes := []hv.MMIOHole{
		{Name: "pci", Base: pciHoleBase, Size: pciHoleSize},
		{Name: "ioapic", Base: acpi.IOAPICAddr, Size: apicMMIO},
		{Name: "lapic", Base: acpi.LocalAPICAddr, Size: apicMMIO},
	}
	for _, h := range holes {
		if err := mem.DeclareHole(h.Name, h.Base, h.Size); err != nil {
			return nil, fmt.Errorf("vmm: declare %s hole: %w", h.Name, err)
		}
	}
	return mem, nil
}
