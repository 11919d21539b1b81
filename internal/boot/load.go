// Package boot loads a kernel image into guest memory and produces the
// entry state of every vCPU for the boot protocol the image speaks.
package boot

import (
	"debug/elf"
	"fmt"
	"log/slog"

	"github.com/tinyrange/microvm/internal/acpi"
	amd64boot "github.com/tinyrange/microvm/internal/boot/amd64"
	"github.com/tinyrange/microvm/internal/hv"
)

type Protocol uint8

const (
	ProtocolLinux Protocol = iota + 1
	ProtocolPVH
	ProtocolMultiboot
)

func (p Protocol) String() string {
	switch p {
	case ProtocolLinux:
		return "linux"
	case ProtocolPVH:
		return "pvh"
	case ProtocolMultiboot:
		return "multiboot"
	default:
		return fmt.Sprintf("protocol(%d)", uint8(p))
	}
}

// Module is an extra blob handed to PVH and multiboot kernels.
type Module struct {
	Name string
	Data []byte
}

// Images is everything the guest is booted with.
type Images struct {
	Kernel  []byte
	Initrd  []byte
	Modules []Module
	Cmdline string

	// CPUs is the number of processors described to the guest. Zero means
	// one.
	CPUs int
}

// Load detects the boot protocol of img.Kernel, places the kernel and its
// boot information into mem and writes the descriptor tables, page tables
// and ACPI tables. The low 1 MiB of mem must be backed.
func Load(mem *hv.AddressSpace, img Images) (*Plan, error) {
	cpus := max(img.CPUs, 1)
	if !mem.Contains(0, HighMemoryStart) {
		return nil, outOfMemory("the first %#x bytes of guest memory must be RAM", HighMemoryStart)
	}

	var (
		plan *Plan
		err  error
	)
	switch {
	case amd64boot.IsELF(img.Kernel):
		plan, err = loadELF(mem, img)
	case amd64boot.HasSetupHeader(img.Kernel):
		plan, err = loadBzImage(mem, img)
	default:
		return nil, invalidImage(nil, "not an ELF executable or bzImage")
	}
	if err != nil {
		return nil, err
	}
	plan.CPUs = cpus

	if _, err := acpi.Install(mem, RSDPAddr, cpus); err != nil {
		return nil, fmt.Errorf("boot: %w", err)
	}
	if err := plan.SetupMemory(mem); err != nil {
		return nil, err
	}

	slog.Debug("boot: kernel loaded",
		"protocol", plan.Protocol,
		"entry", fmt.Sprintf("%#x", plan.Entry),
		"info", fmt.Sprintf("%#x", plan.InfoAddr),
		"kernel_end", fmt.Sprintf("%#x", plan.KernelEnd),
		"long_mode", plan.LongMode,
	)
	return plan, nil
}

func loadELF(mem *hv.AddressSpace, img Images) (*Plan, error) {
	kernel, err := amd64boot.ParseELF(img.Kernel)
	if err != nil {
		return nil, invalidImage(err, "parse ELF kernel")
	}

	switch {
	case kernel.Class == elf.ELFCLASS64 && kernel.HasPVHEntry:
		return loadPVH(mem, img, kernel)
	case kernel.Class == elf.ELFCLASS64:
		return loadLinuxELF(mem, img, kernel)
	default:
		if _, ok := amd64boot.FindMultibootHeader(img.Kernel); ok {
			return loadMultiboot(mem, img, kernel)
		}
		return loadLinuxELF(mem, img, kernel)
	}
}

// loadSegments copies every PT_LOAD segment to its physical address and
// zero-fills the remainder of each. It returns the end of the highest
// segment.
func loadSegments(mem *hv.AddressSpace, kernel *amd64boot.ELFImage) (uint64, error) {
	for _, seg := range kernel.Segments {
		if seg.Paddr < HighMemoryStart {
			return 0, invalidImage(nil, "segment at %#x overlaps the reserved area below %#x", seg.Paddr, HighMemoryStart)
		}
		if !mem.Contains(seg.Paddr, seg.Memsz) {
			return 0, outOfMemory("kernel segment [%#x, %#x) is not backed by RAM", seg.Paddr, seg.End())
		}
		if err := mem.Write(seg.Paddr, seg.Data); err != nil {
			return 0, fmt.Errorf("boot: write kernel segment: %w", err)
		}
		if bss := seg.Memsz - uint64(len(seg.Data)); bss > 0 {
			if err := mem.Write(seg.Paddr+uint64(len(seg.Data)), make([]byte, bss)); err != nil {
				return 0, fmt.Errorf("boot: clear kernel bss: %w", err)
			}
		}
	}
	_, end := kernel.Span()
	return end, nil
}

func checkCmdline(cmdline string, limit int) error {
	if len(cmdline) > limit {
		return cmdlineTooLong(len(cmdline), limit)
	}
	return nil
}
