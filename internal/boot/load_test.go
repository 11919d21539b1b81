package boot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	amd64boot "github.com/tinyrange/microvm/internal/boot/amd64"
	"github.com/tinyrange/microvm/internal/boot/boottest"
	"github.com/tinyrange/microvm/internal/hv"
)

func newMemory(t *testing.T, size uint64) *hv.AddressSpace {
	t.Helper()
	mem := hv.NewAddressSpace()
	if err := mem.Map(hv.MemoryRegion{Name: "ram", Data: make([]byte, size), Perm: hv.PermRWX}); err != nil {
		t.Fatalf("map memory: %v", err)
	}
	return mem
}

func readCString(t *testing.T, mem *hv.AddressSpace, addr uint64) string {
	t.Helper()
	var out []byte
	buf := make([]byte, 1)
	for {
		if err := mem.Read(addr, buf); err != nil {
			t.Fatalf("read string at %#x: %v", addr, err)
		}
		if buf[0] == 0 {
			return string(out)
		}
		out = append(out, buf[0])
		addr++
	}
}

func readBytes(t *testing.T, mem *hv.AddressSpace, addr uint64, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	if err := mem.Read(addr, buf); err != nil {
		t.Fatalf("read %d bytes at %#x: %v", n, addr, err)
	}
	return buf
}

func TestLoadLinux64ELF(t *testing.T) {
	mem := newMemory(t, 64<<20)
	initrd := bytes.Repeat([]byte{0xa5}, 5000)

	plan, err := Load(mem, Images{
		Kernel:  boottest.Linux64(0x1000000, boottest.HaltLoop),
		Initrd:  initrd,
		Cmdline: "console=ttyS0 panic=1",
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if plan.Protocol != ProtocolLinux || !plan.LongMode {
		t.Fatalf("protocol %v long mode %v", plan.Protocol, plan.LongMode)
	}
	if plan.Entry != 0x1000000 {
		t.Fatalf("entry = %#x", plan.Entry)
	}
	if got := readBytes(t, mem, plan.Entry, len(boottest.HaltLoop)); !bytes.Equal(got, boottest.HaltLoop) {
		t.Fatalf("kernel code = % x", got)
	}

	state := plan.BootState()
	if state.Regs.RSI != plan.InfoAddr || state.Regs.RIP != plan.Entry {
		t.Fatalf("RSI %#x RIP %#x", state.Regs.RSI, state.Regs.RIP)
	}
	if state.Regs.RFLAGS != 2 || state.Regs.RSP != StackPointer {
		t.Fatalf("RFLAGS %#x RSP %#x", state.Regs.RFLAGS, state.Regs.RSP)
	}
	if state.Sregs.CR0 != 0x80000001 || state.Sregs.CR3 != PageTableAddr || state.Sregs.CR4 != 0x20 || state.Sregs.EFER != 0x500 {
		t.Fatalf("control registers %+v", state.Sregs)
	}
	if state.Sregs.CS.L != 1 {
		t.Fatalf("CS is not a 64-bit segment")
	}
	if plan.InfoAddr%0x1000 != 0 || plan.InfoAddr < plan.KernelEnd {
		t.Fatalf("zero page at %#x, kernel ends at %#x", plan.InfoAddr, plan.KernelEnd)
	}

	zp := amd64boot.ZeroPageView(readBytes(t, mem, plan.InfoAddr, amd64boot.ZeroPageSize))
	if zp.Magic() != "HdrS" || zp.TypeOfLoader() != 0xff {
		t.Fatalf("zero page magic %q loader %#x", zp.Magic(), zp.TypeOfLoader())
	}
	if got := readCString(t, mem, zp.CmdlineAddr()); got != "console=ttyS0 panic=1" {
		t.Fatalf("command line %q", got)
	}
	addr, size := zp.Ramdisk()
	if addr%0x100000 != 0 || size != uint64(len(initrd)) {
		t.Fatalf("ramdisk %#x+%#x", addr, size)
	}
	if got := readBytes(t, mem, addr, len(initrd)); !bytes.Equal(got, initrd) {
		t.Fatalf("initrd contents differ")
	}
	e820 := zp.E820()
	want := []amd64boot.E820Entry{
		{Addr: 0, Size: EBDAStart, Type: amd64boot.E820RAM},
		{Addr: EBDAStart, Size: HighMemoryStart - EBDAStart, Type: amd64boot.E820Reserved},
		{Addr: HighMemoryStart, Size: 63 << 20, Type: amd64boot.E820RAM},
	}
	if len(e820) != len(want) {
		t.Fatalf("e820 = %+v", e820)
	}
	for i := range want {
		if e820[i] != want[i] {
			t.Fatalf("e820[%d] = %+v, want %+v", i, e820[i], want[i])
		}
	}

	gdt := readBytes(t, mem, GDTAddr, 6*8)
	if got := binary.LittleEndian.Uint64(gdt[0x10:]); got != 0x00af9a000000ffff {
		t.Fatalf("GDT code descriptor %#x", got)
	}
	if got := binary.LittleEndian.Uint64(readBytes(t, mem, PageTableAddr, 8)); got != 0x9003 {
		t.Fatalf("PML4[0] = %#x", got)
	}
	if got := readBytes(t, mem, RSDPAddr, 8); string(got) != "RSD PTR " {
		t.Fatalf("RSDP signature %q", got)
	}
}

func TestLoadBzImage(t *testing.T) {
	payload := append(make([]byte, 0x200), boottest.HaltLoop...)

	t.Run("64-bit", func(t *testing.T) {
		mem := newMemory(t, 64<<20)
		plan, err := Load(mem, Images{Kernel: boottest.DefaultBzImage(payload).Build(), Cmdline: "quiet"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if plan.Entry != 0x100200 || !plan.LongMode {
			t.Fatalf("entry %#x long mode %v", plan.Entry, plan.LongMode)
		}
		if got := readBytes(t, mem, plan.Entry, len(boottest.HaltLoop)); !bytes.Equal(got, boottest.HaltLoop) {
			t.Fatalf("payload not copied to 1 MiB")
		}
		zp := amd64boot.ZeroPageView(readBytes(t, mem, plan.InfoAddr, amd64boot.ZeroPageSize))
		if zp.LoadFlags()&amd64boot.LoadFlagCanUseHeap == 0 || zp.HeapEndPtr() != 0xfe00 {
			t.Fatalf("loadflags %#x heap_end_ptr %#x", zp.LoadFlags(), zp.HeapEndPtr())
		}
		if plan.BootState().Regs.RSI != plan.InfoAddr {
			t.Fatalf("RSI does not hold the zero page")
		}
	})

	t.Run("32-bit", func(t *testing.T) {
		z := boottest.DefaultBzImage(payload)
		z.XLoadFlags = 0
		mem := newMemory(t, 64<<20)
		plan, err := Load(mem, Images{Kernel: z.Build()})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if plan.Entry != 0x100000 || plan.LongMode {
			t.Fatalf("entry %#x long mode %v", plan.Entry, plan.LongMode)
		}
		s := plan.BootState()
		if s.Sregs.CR0 != 1 || s.Sregs.CR4 != 0 || s.Sregs.EFER != 0 {
			t.Fatalf("32-bit control registers %+v", s.Sregs)
		}
		if s.Sregs.CS.L != 0 || s.Sregs.CS.DB != 1 {
			t.Fatalf("CS %+v", s.Sregs.CS)
		}
	})

	t.Run("old protocol", func(t *testing.T) {
		z := boottest.DefaultBzImage(payload)
		z.Version = 0x0204
		_, err := Load(newMemory(t, 64<<20), Images{Kernel: z.Build()})
		if !errors.Is(err, ErrInvalidKernelImage) {
			t.Fatalf("err = %v, want ErrInvalidKernelImage", err)
		}
	})
}

func TestLoadLinux32ELF(t *testing.T) {
	mem := newMemory(t, 32<<20)
	plan, err := Load(mem, Images{Kernel: boottest.Linux32(0x100000, boottest.HaltLoop)})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if plan.Protocol != ProtocolLinux || plan.LongMode {
		t.Fatalf("protocol %v long mode %v", plan.Protocol, plan.LongMode)
	}
	s := plan.BootState()
	if s.Regs.RSI != plan.InfoAddr || s.Regs.RBX != 0 || s.Regs.RDI != 0 || s.Regs.RBP != 0 {
		t.Fatalf("registers %+v", s.Regs)
	}
}

func TestLoadPVH(t *testing.T) {
	mem := newMemory(t, 64<<20)
	initrd := []byte("initramfs")
	plan, err := Load(mem, Images{
		Kernel:  boottest.PVH(0x100000, boottest.HaltLoop),
		Initrd:  initrd,
		Modules: []Module{{Name: "extra", Data: []byte("module data")}},
		Cmdline: "console=hvc0",
		CPUs:    2,
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if plan.Protocol != ProtocolPVH || plan.LongMode || plan.Entry != 0x100000 {
		t.Fatalf("plan %+v", plan)
	}

	s := plan.BootState()
	if s.Regs.RBX != plan.InfoAddr || s.Regs.RSI != 0 {
		t.Fatalf("RBX %#x RSI %#x", s.Regs.RBX, s.Regs.RSI)
	}
	if s.Sregs.CR0 != 1 || s.Regs.RFLAGS != 2 {
		t.Fatalf("CR0 %#x RFLAGS %#x", s.Sregs.CR0, s.Regs.RFLAGS)
	}

	si, err := amd64boot.ParseHVMStartInfo(readBytes(t, mem, plan.InfoAddr, amd64boot.HVMStartInfoSize))
	if err != nil {
		t.Fatalf("ParseHVMStartInfo: %v", err)
	}
	if si.Magic != 0x336ec578 || si.Version != 1 {
		t.Fatalf("start info magic %#x version %d", si.Magic, si.Version)
	}
	if got := readCString(t, mem, si.CmdlinePaddr); got != "console=hvc0" {
		t.Fatalf("command line %q", got)
	}
	if si.RsdpPaddr != RSDPAddr {
		t.Fatalf("rsdp %#x", si.RsdpPaddr)
	}
	if si.NrModules != 2 {
		t.Fatalf("nr_modules = %d", si.NrModules)
	}
	mods := readBytes(t, mem, si.ModlistPaddr, 2*amd64boot.HVMModlistEntSize)
	mod0 := binary.LittleEndian.Uint64(mods[0:])
	if got := readBytes(t, mem, mod0, len(initrd)); !bytes.Equal(got, initrd) {
		t.Fatalf("module 0 is not the initrd")
	}
	if got := readCString(t, mem, binary.LittleEndian.Uint64(mods[32+16:])); got != "extra" {
		t.Fatalf("module 1 name %q", got)
	}
	if si.MemmapEntries != 3 {
		t.Fatalf("memmap entries = %d", si.MemmapEntries)
	}
}

func TestLoadMultiboot(t *testing.T) {
	mem := newMemory(t, 64<<20)
	plan, err := Load(mem, Images{
		Kernel:  boottest.Multiboot(0x100000, boottest.HaltLoop),
		Initrd:  []byte("ramdisk"),
		Modules: []Module{{Name: "driver", Data: []byte{1, 2, 3}}},
		Cmdline: "root=/dev/ram0",
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if plan.Protocol != ProtocolMultiboot || plan.LongMode {
		t.Fatalf("protocol %v long mode %v", plan.Protocol, plan.LongMode)
	}
	s := plan.BootState()
	if s.Regs.RAX != 0x2badb002 || s.Regs.RBX != plan.InfoAddr {
		t.Fatalf("EAX %#x EBX %#x", s.Regs.RAX, s.Regs.RBX)
	}
	if plan.InfoAddr%4 != 0 {
		t.Fatalf("info at %#x is not aligned", plan.InfoAddr)
	}

	info := amd64boot.ParseMultibootInfo(readBytes(t, mem, plan.InfoAddr, amd64boot.MultibootInfoSize))
	for _, flag := range []uint32{amd64boot.MultibootInfoMemory, amd64boot.MultibootInfoCmdline, amd64boot.MultibootInfoMods, amd64boot.MultibootInfoMemMap} {
		if info.Flags&flag == 0 {
			t.Fatalf("flags %#x missing %#x", info.Flags, flag)
		}
	}
	if info.MemLower != 639 || info.MemUpper != 63<<10 {
		t.Fatalf("mem_lower %d mem_upper %d", info.MemLower, info.MemUpper)
	}
	if got := readCString(t, mem, uint64(info.Cmdline)); got != "root=/dev/ram0" {
		t.Fatalf("command line %q", got)
	}
	if info.ModsCount != 2 {
		t.Fatalf("mods_count = %d", info.ModsCount)
	}
	mods := readBytes(t, mem, uint64(info.ModsAddr), 2*amd64boot.MultibootModuleSize)
	start := binary.LittleEndian.Uint32(mods[0:])
	end := binary.LittleEndian.Uint32(mods[4:])
	if start%0x1000 != 0 || end-start != uint32(len("ramdisk")) {
		t.Fatalf("module 0 [%#x, %#x)", start, end)
	}
	if got := readCString(t, mem, uint64(binary.LittleEndian.Uint32(mods[8:]))); got != "initrd" {
		t.Fatalf("module 0 name %q", got)
	}
	if got := readCString(t, mem, uint64(binary.LittleEndian.Uint32(mods[16+8:]))); got != "driver" {
		t.Fatalf("module 1 name %q", got)
	}
	if info.MmapLength != 3*amd64boot.MultibootMmapEntSize {
		t.Fatalf("mmap_length = %d", info.MmapLength)
	}
}

func TestCommandLineLimits(t *testing.T) {
	bz := boottest.DefaultBzImage(append(make([]byte, 0x200), boottest.HaltLoop...))
	tests := []struct {
		name   string
		kernel []byte
		limit  int
	}{
		{"linux vmlinux", boottest.Linux64(0x200000, boottest.HaltLoop), 255},
		{"linux bzImage", bz.Build(), 2047},
		{"pvh", boottest.PVH(0x200000, boottest.HaltLoop), 2048},
		{"multiboot", boottest.Multiboot(0x200000, boottest.HaltLoop), 4096},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(newMemory(t, 32<<20), Images{Kernel: tt.kernel, Cmdline: strings.Repeat("a", tt.limit)})
			if err != nil {
				t.Fatalf("command line at the limit: %v", err)
			}
			_, err = Load(newMemory(t, 32<<20), Images{Kernel: tt.kernel, Cmdline: strings.Repeat("a", tt.limit+1)})
			if !errors.Is(err, ErrCommandLineTooLong) {
				t.Fatalf("err = %v, want ErrCommandLineTooLong", err)
			}
			var ie *ImageError
			if !errors.As(err, &ie) {
				t.Fatalf("err %T is not an ImageError", err)
			}
		})
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		mem  uint64
		img  Images
		want error
	}{
		{"garbage", 16 << 20, Images{Kernel: []byte("not a kernel at all")}, ErrInvalidKernelImage},
		{"empty", 16 << 20, Images{}, ErrInvalidKernelImage},
		{"segment in low memory", 16 << 20, Images{Kernel: boottest.Linux64(0x7000, boottest.HaltLoop)}, ErrInvalidKernelImage},
		{"pvh segment in low memory", 16 << 20, Images{Kernel: boottest.PVH(0x80000, boottest.HaltLoop)}, ErrInvalidKernelImage},
		{"kernel beyond memory", 16 << 20, Images{Kernel: boottest.Linux64(32<<20, boottest.HaltLoop)}, ErrOutOfMemory},
		{"initrd beyond memory", 4 << 20, Images{Kernel: boottest.Linux64(0x100000, boottest.HaltLoop), Initrd: make([]byte, 4<<20)}, ErrOutOfMemory},
		{"module beyond memory", 4 << 20, Images{Kernel: boottest.PVH(0x100000, boottest.HaltLoop), Modules: []Module{{Name: "big", Data: make([]byte, 4<<20)}}}, ErrOutOfMemory},
		{"linux with modules", 16 << 20, Images{Kernel: boottest.Linux64(0x100000, boottest.HaltLoop), Modules: []Module{{Name: "m", Data: []byte{1}}}}, ErrInvalidKernelImage},
		{"low memory too small", 512 << 10, Images{Kernel: boottest.Linux64(0x100000, boottest.HaltLoop)}, ErrOutOfMemory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(newMemory(t, tt.mem), tt.img)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestInitrdAddrMax(t *testing.T) {
	z := boottest.DefaultBzImage(append(make([]byte, 0x200), boottest.HaltLoop...))
	z.InitrdAddrMax = 0x1fffff
	_, err := Load(newMemory(t, 32<<20), Images{Kernel: z.Build(), Initrd: []byte("rd")})
	if !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("err = %v, want ErrOutOfMemory", err)
	}
}

func TestSecondaryState(t *testing.T) {
	plan, err := Load(newMemory(t, 32<<20), Images{Kernel: boottest.PVH(0x100000, boottest.HaltLoop), CPUs: 4})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	boot := plan.BootState()
	seen := map[uint64]bool{boot.Regs.RSP: true}
	for i := 1; i < 4; i++ {
		s := plan.SecondaryState(i)
		if s.VCPU != i || s.APICID != uint32(i) {
			t.Fatalf("cpu %d: vcpu %d apic %d", i, s.VCPU, s.APICID)
		}
		if s.Regs.RIP != boot.Regs.RIP {
			t.Fatalf("cpu %d enters at %#x", i, s.Regs.RIP)
		}
		if s.Regs.RBX != 0 || s.Regs.RAX != 0 || s.Regs.RSI != 0 {
			t.Fatalf("cpu %d carries boot information", i)
		}
		if seen[s.Regs.RSP] {
			t.Fatalf("cpu %d shares stack %#x", i, s.Regs.RSP)
		}
		seen[s.Regs.RSP] = true
		if s.Sregs != boot.Sregs {
			t.Fatalf("cpu %d special registers differ", i)
		}
	}
	if boot.Regs.RBX != plan.InfoAddr {
		t.Fatalf("cloning modified the boot state")
	}
}

func TestMemoryMapHighRegion(t *testing.T) {
	mem := hv.NewAddressSpace()
	if err := mem.Map(hv.MemoryRegion{Name: "low", Data: make([]byte, 8<<20)}); err != nil {
		t.Fatal(err)
	}
	if err := mem.DeclareHole("pci", 3<<30, 1<<30); err != nil {
		t.Fatal(err)
	}
	if err := mem.Map(hv.MemoryRegion{Name: "high", Base: 4 << 30, Data: make([]byte, 1<<20)}); err != nil {
		t.Fatal(err)
	}
	got := MemoryMap(mem)
	if len(got) != 4 {
		t.Fatalf("map = %+v", got)
	}
	if got[3].Addr != 4<<30 || got[3].Size != 1<<20 || got[3].Type != amd64boot.E820RAM {
		t.Fatalf("high entry %+v", got[3])
	}
}

func TestAllocatorSkipsToNextRegion(t *testing.T) {
	mem := hv.NewAddressSpace()
	if err := mem.Map(hv.MemoryRegion{Name: "low", Data: make([]byte, 2<<20)}); err != nil {
		t.Fatal(err)
	}
	if err := mem.Map(hv.MemoryRegion{Name: "high", Base: 4 << 30, Data: make([]byte, 2<<20)}); err != nil {
		t.Fatal(err)
	}
	a := newAllocator(mem, 2<<20-16)
	addr, err := a.reserve("blob", 64, 8)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if addr != 4<<30 {
		t.Fatalf("addr = %#x, want 4 GiB", addr)
	}
	if _, err := a.reserve("huge", 4<<20, 8); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("err = %v, want ErrOutOfMemory", err)
	}
}
