// Package vmm boots a guest kernel on a fixed x86 board and runs it until
// the guest shuts down, faults or is stopped from outside.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/microvm/internal/boot"
	"github.com/tinyrange/microvm/internal/devices/amd64/serial"
	"github.com/tinyrange/microvm/internal/hv"
	"github.com/tinyrange/microvm/internal/hv/kvm"
	"github.com/tinyrange/microvm/internal/vcpu"
)

// GuestFault is an exit the monitor could not service.
type GuestFault = vcpu.GuestFault

// ShutdownReason says how a guest ended the machine.
type ShutdownReason = vcpu.ShutdownReason

const (
	ShutdownReset       = vcpu.ShutdownReset
	ShutdownRequested   = vcpu.ShutdownRequested
	ShutdownTripleFault = vcpu.ShutdownTripleFault
)

type OutcomeKind uint8

const (
	// NormalShutdown means the guest ended the machine itself. A triple
	// fault counts; Outcome.Shutdown tells it apart from a requested reset.
	NormalShutdown OutcomeKind = iota
	// Faulted means a vCPU or the hypervisor failed.
	Faulted
	// Stopped means the caller cancelled the run.
	Stopped
)

func (k OutcomeKind) String() string {
	switch k {
	case NormalShutdown:
		return "normal-shutdown"
	case Faulted:
		return "faulted"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(k))
	}
}

type Outcome struct {
	Kind OutcomeKind

	// Description is set for Faulted and for a triple fault.
	Description string

	// Shutdown is set for NormalShutdown.
	Shutdown ShutdownReason

	// States holds the final state of each vCPU.
	States []vcpu.State
}

// Run boots cfg and blocks until the machine finishes. Configuration and
// image errors are returned before a virtual machine exists. A vCPU fault
// or hypervisor failure is reported both as a Faulted outcome and as the
// returned error.
func Run(ctx context.Context, cfg Config) (Outcome, error) {
	if err := cfg.validate(); err != nil {
		return Outcome{}, err
	}
	cfg.normalize()

	h := cfg.Hypervisor
	if h == nil {
		var err error
		if h, err = kvm.Open(); err != nil {
			return Outcome{}, fmt.Errorf("vmm: open hypervisor: %w", err)
		}
		defer h.Close()
	}

	host, err := h.AllocateMemory(cfg.MemorySize)
	if err != nil {
		return Outcome{}, fmt.Errorf("vmm: allocate %d bytes of guest memory: %w", cfg.MemorySize, err)
	}
	defer host.Close()

	mem, err := layoutMemory(host.Bytes(), LowMemoryLimit)
	if err != nil {
		return Outcome{}, err
	}
	plan, err := boot.Load(mem, boot.Images{
		Kernel:  cfg.Kernel,
		Initrd:  cfg.Initrd,
		Modules: cfg.Modules,
		Cmdline: cfg.Cmdline,
		CPUs:    cfg.CPUs,
	})
	if err != nil {
		return Outcome{}, err
	}

	vm, err := h.NewVirtualMachine(hv.VMConfig{CPUCount: cfg.CPUs, InterruptSupport: true})
	if err != nil {
		return faulted(nil, fmt.Errorf("vmm: create virtual machine: %w", err))
	}
	defer vm.Close()

	for _, r := range mem.Regions() {
		if err := vm.MapMemory(r); err != nil {
			return faulted(nil, fmt.Errorf("vmm: map %s: %w", r.Name, err))
		}
	}

	devs, err := newDevices(vm, &cfg)
	if err != nil {
		return Outcome{}, fmt.Errorf("vmm: build devices: %w", err)
	}
	if err := devs.bus.Start(); err != nil {
		return Outcome{}, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	term := NewTermination(cancel)

	// A Feed blocked in Read returns once Read does; it is not waited for.
	if cfg.ConsoleInput != nil {
		go func() {
			if err := devs.console.Feed(runCtx, cfg.ConsoleInput); err != nil &&
				!errors.Is(err, context.Canceled) && !errors.Is(err, serial.ErrStopped) {
				slog.Warn("vmm: console input", "error", err)
			}
		}()
	}

	slog.Info("vmm: starting guest",
		"protocol", plan.Protocol,
		"cpus", cfg.CPUs,
		"memory", cfg.MemorySize,
	)

	coord := NewCoordinator(vm, devs.bus, mem, plan, term, cfg.CPUs)
	states, runErr := coord.Run(runCtx)

	if err := devs.bus.Stop(); err != nil {
		slog.Warn("vmm: stop devices", "error", err)
	}
	cancel()

	slog.Info("vmm: guest finished", "states", states, "unhandled", coord.Unhandled())

	switch {
	case runErr != nil:
		return faulted(states, runErr)
	case term.Terminated() && term.Cause() == nil:
		out := Outcome{Kind: NormalShutdown, Shutdown: term.Reason(), States: states}
		if out.Shutdown == ShutdownTripleFault {
			out.Description = "guest triple fault"
		}
		return out, nil
	case term.Terminated():
		return faulted(states, term.Cause())
	default:
		return Outcome{Kind: Stopped, States: states}, nil
	}
}

func faulted(states []vcpu.State, err error) (Outcome, error) {
	return Outcome{Kind: Faulted, Description: err.Error(), States: states}, err
}
