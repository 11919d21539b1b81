package boot

import (
	amd64boot "github.com/tinyrange/microvm/internal/boot/amd64"
	"github.com/tinyrange/microvm/internal/hv"
)

// loadPVH boots through the 32-bit PVH entry point named by the image's
// Xen note. The initrd, if any, is module 0.
func loadPVH(mem *hv.AddressSpace, img Images, kernel *amd64boot.ELFImage) (*Plan, error) {
	if err := checkCmdline(img.Cmdline, PVHCmdlineMax); err != nil {
		return nil, err
	}
	end, err := loadSegments(mem, kernel)
	if err != nil {
		return nil, err
	}
	start, _ := kernel.Span()
	plan := &Plan{
		Protocol:    ProtocolPVH,
		Entry:       uint64(kernel.PVHEntry),
		KernelStart: start,
		KernelEnd:   end,
	}

	alloc := newAllocator(mem, end)
	cmdline, err := alloc.placeString("command line", img.Cmdline, cmdlineAlign)
	if err != nil {
		return nil, err
	}
	plan.CmdlineAddr = cmdline

	var modules []amd64boot.HVMModlistEntry
	if len(img.Initrd) > 0 {
		addr, err := alloc.place("initrd", img.Initrd, pageSize)
		if err != nil {
			return nil, err
		}
		plan.InitrdAddr = addr
		modules = append(modules, amd64boot.HVMModlistEntry{Paddr: addr, Size: uint64(len(img.Initrd))})
	}
	for _, m := range img.Modules {
		addr, err := alloc.place("module "+m.Name, m.Data, pageSize)
		if err != nil {
			return nil, err
		}
		name, err := alloc.placeString("module name", m.Name, 1)
		if err != nil {
			return nil, err
		}
		modules = append(modules, amd64boot.HVMModlistEntry{Paddr: addr, Size: uint64(len(m.Data)), CmdlinePaddr: name})
	}

	info := amd64boot.HVMStartInfo{
		Magic:        amd64boot.HVMStartMagic,
		Version:      amd64boot.HVMStartVersion,
		NrModules:    uint32(len(modules)),
		CmdlinePaddr: cmdline,
		RsdpPaddr:    RSDPAddr,
	}
	if len(modules) > 0 {
		raw, err := amd64boot.MarshalPVH(modules)
		if err != nil {
			return nil, invalidImage(err, "build module list")
		}
		if info.ModlistPaddr, err = alloc.place("module list", raw, pointerAlign); err != nil {
			return nil, err
		}
	}
	memmap := amd64boot.HVMMemmapFromE820(MemoryMap(mem))
	raw, err := amd64boot.MarshalPVH(memmap)
	if err != nil {
		return nil, invalidImage(err, "build memory map")
	}
	if info.MemmapPaddr, err = alloc.place("memory map", raw, pointerAlign); err != nil {
		return nil, err
	}
	info.MemmapEntries = uint32(len(memmap))

	if raw, err = amd64boot.MarshalPVH(&info); err != nil {
		return nil, invalidImage(err, "build start info")
	}
	if plan.InfoAddr, err = alloc.place("start info", raw, pointerAlign); err != nil {
		return nil, err
	}
	plan.AllocEnd = alloc.next
	return plan, nil
}
