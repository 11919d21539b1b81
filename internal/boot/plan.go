package boot

import (
	"fmt"

	amd64boot "github.com/tinyrange/microvm/internal/boot/amd64"
	"github.com/tinyrange/microvm/internal/hv"
)

// Plan is the result of loading a kernel: where everything went and how the
// processors enter the guest.
type Plan struct {
	Protocol Protocol

	// Entry is the guest-physical entry point.
	Entry uint64

	// InfoAddr is the boot information structure: the zero page for Linux,
	// hvm_start_info for PVH and multiboot_info for multiboot.
	InfoAddr    uint64
	CmdlineAddr uint64
	InitrdAddr  uint64

	KernelStart uint64
	KernelEnd   uint64

	// AllocEnd is one past the last byte used for boot data.
	AllocEnd uint64

	// LongMode selects 64-bit entry with identity paging. Otherwise the
	// kernel starts in 32-bit protected mode with paging off.
	LongMode bool

	CPUs int
}

// SetupMemory writes the GDT and IDT and, in long mode, the identity page
// tables.
func (p *Plan) SetupMemory(mem *hv.AddressSpace) error {
	gdt := amd64boot.GDT(p.LongMode)
	if err := mem.Write(GDTAddr, amd64boot.MarshalTable(gdt)); err != nil {
		return fmt.Errorf("boot: write GDT: %w", err)
	}
	if err := mem.Write(IDTAddr, amd64boot.MarshalTable(amd64boot.IDT(p.LongMode))); err != nil {
		return fmt.Errorf("boot: write IDT: %w", err)
	}
	if !p.LongMode {
		return nil
	}
	tables, err := mem.Slice(PageTableAddr, amd64boot.PageTablesSize)
	if err != nil {
		return fmt.Errorf("boot: page tables: %w", err)
	}
	return amd64boot.BuildIdentityPageTables(tables, PageTableAddr)
}

// BootState is the entry state of the bootstrap processor.
func (p *Plan) BootState() *hv.CpuInitState {
	s := &hv.CpuInitState{LongMode: p.LongMode}

	code, data, tss := amd64boot.FlatSegments(p.LongMode)
	sr := &s.Sregs
	sr.CS = code
	sr.DS, sr.ES, sr.FS, sr.GS, sr.SS = data, data, data, data, data
	sr.TR = tss
	sr.GDT = hv.DescriptorTable{Base: GDTAddr, Limit: amd64boot.TableLimit(amd64boot.GDT(p.LongMode))}
	sr.IDT = hv.DescriptorTable{Base: IDTAddr, Limit: amd64boot.TableLimit(amd64boot.IDT(p.LongMode))}
	sr.CR0 = cr0PE
	if p.LongMode {
		sr.CR0 |= cr0PG
		sr.CR3 = PageTableAddr
		sr.CR4 = cr4PAE
		sr.EFER = eferLME | eferLMA
	}

	r := &s.Regs
	r.RIP = p.Entry
	r.RSP = StackPointer
	r.RFLAGS = rflagsReserved
	switch p.Protocol {
	case ProtocolLinux:
		r.RSI = p.InfoAddr
	case ProtocolPVH:
		r.RBX = p.InfoAddr
	case ProtocolMultiboot:
		r.RAX = amd64boot.MultibootBootloaderMagic
		r.RBX = p.InfoAddr
	}
	return s
}

// SecondaryState is the entry state injected directly into application
// processor i. It enters at the same point as the bootstrap processor
// with its own APIC ID and stack and without boot information.
func (p *Plan) SecondaryState(i int) *hv.CpuInitState {
	s := p.BootState().Clone()
	s.VCPU = i
	s.APICID = uint32(i)
	s.Regs.RSP = StackPointer - uint64(i)*SecondaryStackStride
	s.Regs.RAX, s.Regs.RBX, s.Regs.RSI = 0, 0, 0
	return s
}
