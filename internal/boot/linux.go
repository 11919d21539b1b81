package boot

import (
	"debug/elf"

	amd64boot "github.com/tinyrange/microvm/internal/boot/amd64"
	"github.com/tinyrange/microvm/internal/hv"
)

// kernel64EntryOffset is the distance from the protected-mode load address
// to startup_64 in a bzImage.
const kernel64EntryOffset = 0x200

func loadBzImage(mem *hv.AddressSpace, img Images) (*Plan, error) {
	hdr, err := amd64boot.ParseSetupHeader(img.Kernel)
	if err != nil {
		return nil, invalidImage(err, "parse bzImage setup header")
	}
	payload := img.Kernel[hdr.PayloadOffset():]

	loadAddr := uint64(HighMemoryStart)
	span := max(uint64(len(payload)), uint64(hdr.InitSize))
	if !mem.Contains(loadAddr, span) {
		return nil, outOfMemory("kernel needs [%#x, %#x)", loadAddr, loadAddr+span)
	}
	if err := mem.Write(loadAddr, payload); err != nil {
		return nil, err
	}

	plan := &Plan{
		Protocol:    ProtocolLinux,
		KernelStart: loadAddr,
		KernelEnd:   loadAddr + span,
		LongMode:    hdr.Kernel64(),
	}
	if plan.LongMode {
		plan.Entry = loadAddr + kernel64EntryOffset
	} else {
		plan.Entry = uint64(hdr.Code32Start)
	}
	return plan, placeLinuxInfo(mem, img, hdr, plan)
}

func loadLinuxELF(mem *hv.AddressSpace, img Images, kernel *amd64boot.ELFImage) (*Plan, error) {
	end, err := loadSegments(mem, kernel)
	if err != nil {
		return nil, err
	}
	start, _ := kernel.Span()
	plan := &Plan{
		Protocol:    ProtocolLinux,
		Entry:       kernel.Entry,
		KernelStart: start,
		KernelEnd:   end,
		LongMode:    kernel.Class == elf.ELFCLASS64,
	}
	return plan, placeLinuxInfo(mem, img, amd64boot.DefaultSetupHeader(), plan)
}

// placeLinuxInfo stores the command line, initrd and zero page after the
// kernel and records the zero page address for RSI.
func placeLinuxInfo(mem *hv.AddressSpace, img Images, hdr *amd64boot.SetupHeader, plan *Plan) error {
	if len(img.Modules) > 0 {
		return invalidImage(nil, "the Linux boot protocol does not take modules")
	}
	limit := int(hdr.CmdlineSize)
	if limit == 0 {
		limit = amd64boot.DefaultCmdlineSize
	}
	if err := checkCmdline(img.Cmdline, limit); err != nil {
		return err
	}

	alloc := newAllocator(mem, plan.KernelEnd)
	zp := amd64boot.ZeroPage{Header: hdr, E820: MemoryMap(mem)}

	cmdline, err := alloc.placeString("command line", img.Cmdline, cmdlineAlign)
	if err != nil {
		return err
	}
	zp.CmdlineAddr = cmdline
	plan.CmdlineAddr = cmdline

	if len(img.Initrd) > 0 {
		addr, err := alloc.place("initrd", img.Initrd, initrdAlign)
		if err != nil {
			return err
		}
		if last := addr + uint64(len(img.Initrd)) - 1; last > uint64(hdr.InitrdAddrMax) {
			return outOfMemory("initrd ends at %#x above initrd_addr_max %#x", last, hdr.InitrdAddrMax)
		}
		zp.RamdiskAddr, zp.RamdiskSize = addr, uint64(len(img.Initrd))
		plan.InitrdAddr = addr
	}

	raw, err := zp.Marshal()
	if err != nil {
		return invalidImage(err, "build zero page")
	}
	addr, err := alloc.place("zero page", raw, pageSize)
	if err != nil {
		return err
	}
	plan.InfoAddr = addr
	plan.AllocEnd = alloc.next
	return nil
}
