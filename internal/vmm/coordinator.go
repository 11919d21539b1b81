package vmm

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/microvm/internal/boot"
	"github.com/tinyrange/microvm/internal/hv"
	"github.com/tinyrange/microvm/internal/vcpu"
)

// Coordinator starts every vCPU of a machine and joins them.
type Coordinator struct {
	vm   hv.VirtualMachine
	bus  vcpu.Bus
	mem  *hv.AddressSpace
	plan *boot.Plan
	term *Termination
	cpus int

	loops []*vcpu.Loop
}

func NewCoordinator(vm hv.VirtualMachine, bus vcpu.Bus, mem *hv.AddressSpace, plan *boot.Plan, term *Termination, cpus int) *Coordinator {
	return &Coordinator{
		vm:    vm,
		bus:   bus,
		mem:   mem,
		plan:  plan,
		term:  term,
		cpus:  cpus,
		loops: make([]*vcpu.Loop, cpus),
	}
}

// Run creates, configures and runs one goroutine per vCPU, each locked to
// its OS thread, and waits for all of them. vCPU 0 starts at the boot
// state; the others get their own APIC ID and stack. Run returns the final
// state of every vCPU and the first error any of them reported.
func (c *Coordinator) Run(ctx context.Context) ([]vcpu.State, error) {
	states := make([]vcpu.State, c.cpus)
	g, ctx := errgroup.WithContext(ctx)
	for i := range c.cpus {
		g.Go(func() error {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			state, err := c.runOne(ctx, i)
			states[i] = state
			if err != nil {
				c.term.Terminate(err)
			}
			return err
		})
	}
	err := g.Wait()
	slog.Debug("vmm: vcpus joined", "states", states, "error", err)
	return states, err
}

func (c *Coordinator) runOne(ctx context.Context, id int) (vcpu.State, error) {
	cpu, err := c.vm.NewVirtualCPU(id)
	if err != nil {
		return vcpu.StateFaulted, fmt.Errorf("vmm: create vcpu %d: %w", id, err)
	}
	defer cpu.Close()

	loop := vcpu.New(cpu, c.bus, c.mem, c.term)
	c.loops[id] = loop

	initial := c.plan.BootState()
	if id > 0 {
		initial = c.plan.SecondaryState(id)
	}
	if err := loop.Configure(initial); err != nil {
		return vcpu.StateFaulted, err
	}
	return loop.Run(ctx)
}

// Unhandled is the number of device accesses no device claimed, summed
// over every vCPU started so far. It is valid after Run returns.
func (c *Coordinator) Unhandled() uint64 {
	var n uint64
	for _, l := range c.loops {
		if l != nil {
			n += l.Unhandled()
		}
	}
	return n
}
