package boot

import (
	amd64boot "github.com/tinyrange/microvm/internal/boot/amd64"
	"github.com/tinyrange/microvm/internal/hv"
)

// loadMultiboot boots an ELF32 multiboot kernel. The initrd is passed as
// the first module under the name "initrd".
func loadMultiboot(mem *hv.AddressSpace, img Images, kernel *amd64boot.ELFImage) (*Plan, error) {
	if err := checkCmdline(img.Cmdline, MultibootCmdlineMax); err != nil {
		return nil, err
	}
	end, err := loadSegments(mem, kernel)
	if err != nil {
		return nil, err
	}
	start, _ := kernel.Span()
	plan := &Plan{
		Protocol:    ProtocolMultiboot,
		Entry:       kernel.Entry,
		KernelStart: start,
		KernelEnd:   end,
	}

	alloc := newAllocator(mem, end)
	info := amd64boot.MultibootInfo{
		Flags: amd64boot.MultibootInfoMemory | amd64boot.MultibootInfoCmdline |
			amd64boot.MultibootInfoMemMap | amd64boot.MultibootInfoLoader,
		MemLower: EBDAStart >> 10,
		MemUpper: uint32((lowMemoryEnd(mem) - HighMemoryStart) >> 10),
	}

	cmdline, err := alloc.placeString("command line", img.Cmdline, cmdlineAlign)
	if err != nil {
		return nil, err
	}
	info.Cmdline = uint32(cmdline)
	plan.CmdlineAddr = cmdline

	loader, err := alloc.placeString("boot loader name", bootLoaderTag, 1)
	if err != nil {
		return nil, err
	}
	info.BootLoaderName = uint32(loader)

	modules := img.Modules
	if len(img.Initrd) > 0 {
		modules = append([]Module{{Name: "initrd", Data: img.Initrd}}, modules...)
	}
	var descs []byte
	for i, m := range modules {
		addr, err := alloc.place("module "+m.Name, m.Data, amd64boot.MultibootModAlign)
		if err != nil {
			return nil, err
		}
		if i == 0 && len(img.Initrd) > 0 {
			plan.InitrdAddr = addr
		}
		name, err := alloc.placeString("module name", m.Name, 1)
		if err != nil {
			return nil, err
		}
		descs = append(descs, amd64boot.MultibootModule{
			Start:  uint32(addr),
			End:    uint32(addr + uint64(len(m.Data))),
			String: uint32(name),
		}.Marshal()...)
	}
	if len(modules) > 0 {
		addr, err := alloc.place("module list", descs, amd64boot.MultibootInfoAlign)
		if err != nil {
			return nil, err
		}
		info.Flags |= amd64boot.MultibootInfoMods
		info.ModsCount = uint32(len(modules))
		info.ModsAddr = uint32(addr)
	}

	mmap := amd64boot.MarshalMultibootMmap(MemoryMap(mem))
	mmapAddr, err := alloc.place("memory map", mmap, amd64boot.MultibootInfoAlign)
	if err != nil {
		return nil, err
	}
	info.MmapAddr, info.MmapLength = uint32(mmapAddr), uint32(len(mmap))

	if plan.InfoAddr, err = alloc.place("multiboot info", info.Marshal(), amd64boot.MultibootInfoAlign); err != nil {
		return nil, err
	}
	// Every multiboot pointer is 32 bits wide.
	if alloc.next > 1<<32 {
		return nil, outOfMemory("multiboot structures end at %#x above 4 GiB", alloc.next)
	}
	plan.AllocEnd = alloc.next
	return plan, nil
}
