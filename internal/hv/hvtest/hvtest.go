// Package hvtest provides a scripted in-memory hypervisor for tests of code
// that drives virtual CPUs.
package hvtest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/microvm/internal/hv"
)

// Step produces the next exit for a vCPU. Returning nil, nil makes the vCPU
// spin until its context is cancelled.
type Step func(ctx context.Context, cpu *VCPU) (*hv.Exit, error)

// Script returns the steps to run on vCPU id.
type Script func(id int) []Step

type Hypervisor struct {
	Script Script

	// FailNewVCPU makes NewVirtualCPU fail for that id.
	FailNewVCPU map[int]error

	mu     sync.Mutex
	vms    []*VM
	allocs []*memory
}

func (h *Hypervisor) AllocateMemory(size uint64) (hv.HostMemory, error) {
	if size == 0 {
		return nil, fmt.Errorf("hvtest: zero size allocation")
	}
	m := &memory{data: make([]byte, size)}
	h.mu.Lock()
	h.allocs = append(h.allocs, m)
	h.mu.Unlock()
	return m, nil
}

// MemoryReleased reports whether every allocation has been closed.
func (h *Hypervisor) MemoryReleased() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range h.allocs {
		if !m.closed.Load() {
			return false
		}
	}
	return true
}

func (h *Hypervisor) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	vm := &VM{hv: h, Config: config, cpus: make(map[int]*VCPU)}
	h.mu.Lock()
	h.vms = append(h.vms, vm)
	h.mu.Unlock()
	return vm, nil
}

func (h *Hypervisor) Close() error { return nil }

// VMs returns every machine created so far.
func (h *Hypervisor) VMs() []*VM {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*VM(nil), h.vms...)
}

type memory struct {
	data   []byte
	closed atomic.Bool
}

func (m *memory) Bytes() []byte { return m.data }
func (m *memory) Close() error  { m.closed.Store(true); return nil }

type IRQEvent struct {
	Line  uint32
	Level bool
}

type VM struct {
	hv     *Hypervisor
	Config hv.VMConfig

	mu     sync.Mutex
	mapped []hv.MemoryRegion
	cpus   map[int]*VCPU
	irqs   []IRQEvent
	closed bool
}

func (vm *VM) MapMemory(region hv.MemoryRegion) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.mapped = append(vm.mapped, region)
	return nil
}

func (vm *VM) NewVirtualCPU(id int) (hv.VirtualCPU, error) {
	if err := vm.hv.FailNewVCPU[id]; err != nil {
		return nil, err
	}
	var steps []Step
	if vm.hv.Script != nil {
		steps = vm.hv.Script(id)
	}
	cpu := &VCPU{id: id, steps: steps}
	vm.mu.Lock()
	vm.cpus[id] = cpu
	vm.mu.Unlock()
	return cpu, nil
}

func (vm *VM) SetIRQ(line uint32, level bool) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.irqs = append(vm.irqs, IRQEvent{Line: line, Level: level})
	return nil
}

func (vm *VM) Close() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.closed = true
	return nil
}

func (vm *VM) Closed() bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.closed
}

func (vm *VM) Mapped() []hv.MemoryRegion {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return append([]hv.MemoryRegion(nil), vm.mapped...)
}

func (vm *VM) IRQs() []IRQEvent {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return append([]IRQEvent(nil), vm.irqs...)
}

// CPU returns the vCPU with the given id, or nil.
func (vm *VM) CPU(id int) *VCPU {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.cpus[id]
}

// CPUs returns the number of vCPUs created.
func (vm *VM) CPUs() int {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return len(vm.cpus)
}

type VCPU struct {
	id    int
	steps []Step

	mu    sync.Mutex
	state *hv.CpuInitState
	exits []*hv.Exit

	runs   atomic.Int64
	closed atomic.Bool
}

func (c *VCPU) ID() int { return c.id }

func (c *VCPU) Configure(state *hv.CpuInitState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != nil {
		return fmt.Errorf("hvtest: vCPU %d already configured", c.id)
	}
	c.state = state.Clone()
	return nil
}

// State returns the state passed to Configure, or nil.
func (c *VCPU) State() *hv.CpuInitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Exits returns the exits handed out so far.
func (c *VCPU) Exits() []*hv.Exit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*hv.Exit(nil), c.exits...)
}

// Runs is the number of Run calls issued.
func (c *VCPU) Runs() int64 { return c.runs.Load() }

func (c *VCPU) Closed() bool { return c.closed.Load() }

func (c *VCPU) Run(ctx context.Context) (*hv.Exit, error) {
	n := c.runs.Add(1)
	if c.State() == nil {
		return nil, fmt.Errorf("hvtest: vCPU %d run before configure", c.id)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if i := int(n - 1); i < len(c.steps) {
		exit, err := c.steps[i](ctx, c)
		if exit != nil {
			c.mu.Lock()
			c.exits = append(c.exits, exit)
			c.mu.Unlock()
		}
		if exit != nil || err != nil {
			return exit, err
		}
	}

	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *VCPU) Close() error {
	c.closed.Store(true)
	return nil
}

var (
	_ hv.Hypervisor     = &Hypervisor{}
	_ hv.VirtualMachine = &VM{}
	_ hv.VirtualCPU     = &VCPU{}
)

// PortWrite is a step that exits with an OUT of data to port.
func PortWrite(port uint16, data ...byte) Step {
	return func(context.Context, *VCPU) (*hv.Exit, error) {
		return &hv.Exit{
			Reason:  hv.ExitReasonIO,
			Code:    2,
			Port:    port,
			IsWrite: true,
			Size:    len(data),
			Count:   1,
			Data:    append([]byte(nil), data...),
		}, nil
	}
}

// PortRead is a step that exits with an IN of size bytes from port. The
// bytes the monitor writes back are visible through VCPU.Exits.
func PortRead(port uint16, size int) Step {
	return func(context.Context, *VCPU) (*hv.Exit, error) {
		return &hv.Exit{Reason: hv.ExitReasonIO, Code: 2, Port: port, Size: size, Count: 1, Data: make([]byte, size)}, nil
	}
}

// MMIORead is a step that exits with a read of size bytes at addr.
func MMIORead(addr uint64, size int) Step {
	return func(context.Context, *VCPU) (*hv.Exit, error) {
		return &hv.Exit{Reason: hv.ExitReasonMMIO, Code: 6, Addr: addr, Size: size, Count: 1, Data: make([]byte, size)}, nil
	}
}

// MMIOWrite is a step that exits with a write of data at addr.
func MMIOWrite(addr uint64, data ...byte) Step {
	return func(context.Context, *VCPU) (*hv.Exit, error) {
		return &hv.Exit{Reason: hv.ExitReasonMMIO, Code: 6, Addr: addr, IsWrite: true, Size: len(data), Count: 1, Data: append([]byte(nil), data...)}, nil
	}
}

// Exit is a step that returns a fixed exit.
func Exit(reason hv.ExitReason, code uint64) Step {
	return func(context.Context, *VCPU) (*hv.Exit, error) {
		return &hv.Exit{Reason: reason, Code: code}, nil
	}
}

// Fail is a step whose Run call fails with err.
func Fail(err error) Step {
	return func(context.Context, *VCPU) (*hv.Exit, error) {
		return nil, err
	}
}

// Spin is a step that blocks until the context is cancelled.
func Spin() Step {
	return func(context.Context, *VCPU) (*hv.Exit, error) {
		return nil, nil
	}
}
