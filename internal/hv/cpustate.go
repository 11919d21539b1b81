package hv

// Segment is an x86 segment register in its unpacked form.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
}

type DescriptorTable struct {
	Base  uint64
	Limit uint16
}

type Registers struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

type SpecialRegisters struct {
	CS, DS, ES, FS, GS, SS Segment
	TR, LDT                Segment
	GDT, IDT               DescriptorTable

	CR0, CR2, CR3, CR4 uint64
	EFER               uint64
}

// CpuInitState is the complete entry state of one vCPU.
type CpuInitState struct {
	VCPU  int
	Regs  Registers
	Sregs SpecialRegisters

	// APICID is reported through CPUID leaves 0x1 and 0xB.
	APICID uint32

	// LongMode selects 64-bit entry. It is false for 32-bit entry
	// protocols, whose kernels may still enable long mode themselves.
	LongMode bool
}

// Clone returns a deep copy of s.
func (s *CpuInitState) Clone() *CpuInitState {
	c := *s
	return &c
}
