//go:build linux && amd64

package kvm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"unsafe"

	"github.com/tinyrange/microvm/internal/hv"
	"golang.org/x/sys/unix"
)

func (h *hypervisor) archVMInit(vm *virtualMachine, config hv.VMConfig) error {
	if err := setTSSAddr(vm.vmFd, tssAddr); err != nil {
		return hv.NewHypervisorError("KVM_SET_TSS_ADDR", err)
	}
	if err := setIdentityMapAddr(vm.vmFd, identityMapAddr); err != nil {
		return hv.NewHypervisorError("KVM_SET_IDENTITY_MAP_ADDR", err)
	}

	if !config.InterruptSupport {
		return nil
	}

	if ok, _ := checkExtension(h.fd, kvmCapIrqchip); ok == 0 {
		slog.Warn("kvm: in-kernel irqchip unavailable, devices run polled")
		return nil
	}
	if err := createIRQChip(vm.vmFd); err != nil {
		return hv.NewHypervisorError("KVM_CREATE_IRQCHIP", err)
	}
	vm.hasIRQChip = true

	if ok, _ := checkExtension(h.fd, kvmCapPit2); ok != 0 {
		if err := createPIT(vm.vmFd); err != nil {
			return hv.NewHypervisorError("KVM_CREATE_PIT2", err)
		}
	}

	return nil
}

// Configure implements hv.VirtualCPU.
func (v *virtualCPU) Configure(state *hv.CpuInitState) error {
	if v.configured {
		return fmt.Errorf("kvm: vCPU %d already configured", v.id)
	}

	if err := v.setCPUID(state); err != nil {
		return err
	}

	sregs, err := getSRegs(v.fd)
	if err != nil {
		return hv.NewHypervisorError("KVM_GET_SREGS", err)
	}
	applySRegs(&sregs, &state.Sregs)
	if err := setSRegs(v.fd, &sregs); err != nil {
		return hv.NewHypervisorError("KVM_SET_SREGS", err)
	}

	regs := toKvmRegs(&state.Regs)
	if err := setRegisters(v.fd, &regs); err != nil {
		return hv.NewHypervisorError("KVM_SET_REGS", err)
	}

	v.configured = true
	return nil
}

// setCPUID installs the host's supported CPUID table with this vCPU's
// topology patched in.
func (v *virtualCPU) setCPUID(state *hv.CpuInitState) error {
	supported, err := v.vm.hv.supportedCPUID()
	if err != nil {
		return err
	}

	buf := make([]byte, len(supported))
	copy(buf, supported)

	entries := cpuidEntries(buf)
	for i := range entries {
		e := &entries[i]
		switch e.Function {
		case cpuidLeafFeatures:
			e.Ebx = e.Ebx&0x00ffffff | state.APICID<<24
			if e.Index == 0 {
				e.Ecx |= cpuidEcxHypervisor
			}
		case cpuidLeafTopology:
			e.Edx = state.APICID
		}
	}

	if err := setVCPUID(v.fd, buf); err != nil {
		return hv.NewHypervisorError("KVM_SET_CPUID2", err)
	}
	return nil
}

// Run implements hv.VirtualCPU. The caller must stay on one OS thread for
// the duration of the call.
func (v *virtualCPU) Run(ctx context.Context) (*hv.Exit, error) {
	if !v.configured {
		return nil, fmt.Errorf("kvm: vCPU %d run before configure", v.id)
	}

	run := (*kvmRunData)(unsafe.Pointer(&v.run[0]))

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tid := unix.Gettid()
	stopNotify := context.AfterFunc(ctx, func() {
		if err := v.requestImmediateExit(tid); err != nil {
			slog.Warn("kvm: kick vCPU", "vcpu", v.id, "error", err)
		}
	})
	defer stopNotify()

	if err := enterGuest(ctx, run, func() error {
		_, err := ioctl(uintptr(v.fd), uint64(kvmRun), 0)
		return err
	}); err != nil {
		return nil, err
	}

	return v.decodeExit(run), nil
}

// enterGuest calls enter until it returns something other than EINTR.
// immediate_exit is cleared before ctx is checked on every pass: a kick
// that lands after the clear either fails the check or makes enter return
// EINTR straight away.
func enterGuest(ctx context.Context, run *kvmRunData, enter func() error) error {
	for {
		run.immediate_exit = 0
		if err := ctx.Err(); err != nil {
			return err
		}

		err := enter()
		if errors.Is(err, unix.EINTR) {
			continue
		} else if err != nil {
			return hv.NewHypervisorError("KVM_RUN", err)
		}
		return nil
	}
}

func (v *virtualCPU) decodeExit(run *kvmRunData) *hv.Exit {
	reason := kvmExitReason(run.exit_reason)
	exit := &hv.Exit{Code: uint64(reason)}

	switch reason {
	case kvmExitIo:
		io := (*kvmExitIoData)(unsafe.Pointer(&run.anon0[0]))
		n := uint64(io.size) * uint64(io.count)
		exit.Reason = hv.ExitReasonIO
		exit.Port = io.port
		exit.IsWrite = io.direction != kvmExitIoIn
		exit.Size = int(io.size)
		exit.Count = int(io.count)
		exit.Data = v.run[io.dataOffset : io.dataOffset+n]
	case kvmExitMmio:
		mmio := (*kvmExitMMIOData)(unsafe.Pointer(&run.anon0[0]))
		size := min(mmio.len, uint32(len(mmio.data)))
		exit.Reason = hv.ExitReasonMMIO
		exit.Addr = mmio.physAddr
		exit.IsWrite = mmio.isWrite != 0
		exit.Size = int(size)
		exit.Count = 1
		exit.Data = mmio.data[:size]
	case kvmExitHlt:
		exit.Reason = hv.ExitReasonHalt
	case kvmExitShutdown:
		exit.Reason = hv.ExitReasonShutdown
	case kvmExitSystemEvent:
		ev := (*kvmSystemEvent)(unsafe.Pointer(&run.anon0[0]))
		exit.Reason = hv.ExitReasonSystemEvent
		exit.SubCode = uint64(ev.typ)
	case kvmExitInternalError:
		ie := (*internalError)(unsafe.Pointer(&run.anon0[0]))
		exit.Reason = hv.ExitReasonInternalError
		exit.SubCode = uint64(ie.Suberror)
		slog.Debug("kvm: internal error", "vcpu", v.id, "suberror", ie.Suberror)
	case kvmExitFailEntry:
		fe := (*kvmFailEntry)(unsafe.Pointer(&run.anon0[0]))
		exit.Reason = hv.ExitReasonFailEntry
		exit.SubCode = fe.hardwareEntryFailureReason
	default:
		exit.Reason = hv.ExitReasonUnknown
		slog.Debug("kvm: unhandled exit", "vcpu", v.id, "reason", reason)
	}

	return exit
}

func toKvmSegment(s hv.Segment) kvmSegment {
	return kvmSegment{
		Base:     s.Base,
		Limit:    s.Limit,
		Selector: s.Selector,
		Type:     s.Type,
		Present:  s.Present,
		Dpl:      s.DPL,
		Db:       s.DB,
		S:        s.S,
		L:        s.L,
		G:        s.G,
		Avl:      s.AVL,
		Unusable: s.Unusable,
	}
}

// applySRegs overwrites the architectural state in dst with src, keeping
// the fields KVM owns (APIC base, pending interrupts, CR8).
func applySRegs(dst *kvmSRegs, src *hv.SpecialRegisters) {
	dst.Cs = toKvmSegment(src.CS)
	dst.Ds = toKvmSegment(src.DS)
	dst.Es = toKvmSegment(src.ES)
	dst.Fs = toKvmSegment(src.FS)
	dst.Gs = toKvmSegment(src.GS)
	dst.Ss = toKvmSegment(src.SS)
	dst.Tr = toKvmSegment(src.TR)
	if src.LDT.Present != 0 || src.LDT.Unusable != 0 {
		dst.Ldt = toKvmSegment(src.LDT)
	}
	dst.Gdt = kvmDTable{Base: src.GDT.Base, Limit: src.GDT.Limit}
	dst.Idt = kvmDTable{Base: src.IDT.Base, Limit: src.IDT.Limit}
	dst.Cr0 = src.CR0
	dst.Cr2 = src.CR2
	dst.Cr3 = src.CR3
	dst.Cr4 = src.CR4
	dst.Efer = src.EFER
}

func toKvmRegs(r *hv.Registers) kvmRegs {
	return kvmRegs{
		Rax:    r.RAX,
		Rbx:    r.RBX,
		Rcx:    r.RCX,
		Rdx:    r.RDX,
		Rsi:    r.RSI,
		Rdi:    r.RDI,
		Rsp:    r.RSP,
		Rbp:    r.RBP,
		R8:     r.R8,
		R9:     r.R9,
		R10:    r.R10,
		R11:    r.R11,
		R12:    r.R12,
		R13:    r.R13,
		R14:    r.R14,
		R15:    r.R15,
		Rip:    r.RIP,
		Rflags: r.RFLAGS,
	}
}
