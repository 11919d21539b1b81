// Package vcpu runs a single virtual CPU: it enters the guest, classifies
// every exit and services it against the device bus and guest memory.
package vcpu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tinyrange/microvm/internal/chipset"
	"github.com/tinyrange/microvm/internal/hv"
)

var (
	ErrAlreadyConfigured = errors.New("vcpu: already configured")
	ErrNotConfigured     = errors.New("vcpu: not configured")
)

// Bus dispatches port and MMIO accesses to devices. Reads nothing claims
// come back filled and unclaimed writes are dropped.
type Bus interface {
	ReadPort(port uint16, data []byte) (handled bool, err error)
	WritePort(port uint16, data []byte) (handled bool, err error)
	ReadMMIO(addr uint64, data []byte) (handled bool, err error)
	WriteMMIO(addr uint64, data []byte) (handled bool, err error)
}

// Terminator is the machine-wide stop flag shared by every loop.
type Terminator interface {
	// Terminated reports whether any vCPU has requested termination.
	Terminated() bool

	// Terminate sets the flag for a failure. Only the first call to
	// Terminate or Shutdown is recorded.
	Terminate(cause error)

	// Shutdown sets the flag for a guest that ended the machine itself.
	Shutdown(reason ShutdownReason)
}

// GuestFault is a vCPU exit the monitor cannot service.
type GuestFault struct {
	VCPU  int
	Event ExitEvent
}

func (f *GuestFault) Error() string {
	return fmt.Sprintf("vcpu %d: guest fault: %s", f.VCPU, f.Event)
}

// Loop owns one hv.VirtualCPU. Configure and Run must be called from the
// same goroutine.
type Loop struct {
	cpu  hv.VirtualCPU
	bus  Bus
	mem  *hv.AddressSpace
	term Terminator
	log  *slog.Logger

	state     atomic.Uint32
	counts    [numEventKinds]atomic.Uint64
	unhandled atomic.Uint64
}

func New(cpu hv.VirtualCPU, bus Bus, mem *hv.AddressSpace, term Terminator) *Loop {
	return &Loop{
		cpu:  cpu,
		bus:  bus,
		mem:  mem,
		term: term,
		log:  slog.With("vcpu", cpu.ID()),
	}
}

func (l *Loop) ID() int { return l.cpu.ID() }

// State may be read from any goroutine.
func (l *Loop) State() State { return State(l.state.Load()) }

func (l *Loop) setState(s State) { l.state.Store(uint32(s)) }

// Configure applies the entry state. It succeeds exactly once.
func (l *Loop) Configure(state *hv.CpuInitState) error {
	if !l.state.CompareAndSwap(uint32(StateCreated), uint32(StateConfigured)) {
		return fmt.Errorf("%w (vcpu %d)", ErrAlreadyConfigured, l.ID())
	}
	if err := l.cpu.Configure(state); err != nil {
		l.setState(StateCreated)
		return fmt.Errorf("vcpu %d: configure: %w", l.ID(), err)
	}
	return nil
}

// Counts returns how many exits of each kind were serviced.
func (l *Loop) Counts() map[EventKind]uint64 {
	out := make(map[EventKind]uint64)
	for k := range numEventKinds {
		if n := l.counts[k].Load(); n > 0 {
			out[k] = n
		}
	}
	return out
}

// Unhandled is the number of port and MMIO accesses no device claimed.
func (l *Loop) Unhandled() uint64 { return l.unhandled.Load() }

// Run enters the guest until the vCPU halts, the machine shuts down, the
// guest faults or ctx is cancelled. The termination flag is checked before
// every entry. A GuestFault is returned for exits that cannot be serviced.
func (l *Loop) Run(ctx context.Context) (State, error) {
	if l.State() != StateConfigured {
		return l.State(), fmt.Errorf("%w (vcpu %d is %s)", ErrNotConfigured, l.ID(), l.State())
	}
	defer l.logCounts()

	for {
		if l.term.Terminated() {
			return l.finish(StateShuttingDown), nil
		}

		l.setState(StateRunning)
		exit, err := l.cpu.Run(ctx)
		l.setState(StateExited)
		if err != nil {
			if ctx.Err() != nil {
				return l.stopped(), nil
			}
			l.term.Terminate(err)
			return l.finish(StateFaulted), fmt.Errorf("vcpu %d: run: %w", l.ID(), err)
		}

		ev := Classify(exit)
		l.counts[ev.Kind].Add(1)
		l.log.Debug("vcpu exit", "event", ev)

		switch ev.Kind {
		case ExitPortRead, ExitPortWrite, ExitMmioRead, ExitMmioWrite:
			if err := l.dispatch(ev); err != nil {
				if errors.Is(err, hv.ErrGuestRequestedReboot) {
					l.log.Info("guest requested reset", "event", ev)
					l.term.Shutdown(ShutdownReset)
					return l.finish(StateShuttingDown), nil
				}
				l.term.Terminate(err)
				return l.finish(StateFaulted), fmt.Errorf("vcpu %d: %s: %w", l.ID(), ev, err)
			}
		case ExitHalt:
			l.setState(StateHalted)
			l.log.Info("vcpu halted")
			<-ctx.Done()
			return StateHalted, nil
		case ExitShutdown:
			if ev.Shutdown == ShutdownTripleFault {
				l.log.Warn("guest triple fault")
			} else {
				l.log.Info("guest shutdown", "event", ev)
			}
			l.term.Shutdown(ev.Shutdown)
			return l.finish(StateShuttingDown), nil
		default:
			fault := &GuestFault{VCPU: l.ID(), Event: ev}
			l.log.Warn("guest fault", "event", ev)
			l.term.Terminate(fault)
			return l.finish(StateFaulted), fault
		}
	}
}

func (l *Loop) finish(s State) State {
	l.setState(s)
	return s
}

// stopped is the state after an external stop interrupted a run.
func (l *Loop) stopped() State {
	if l.term.Terminated() {
		return l.finish(StateShuttingDown)
	}
	return l.finish(StateExited)
}

// dispatch services one port or MMIO exit. String I/O is split into
// Size-byte accesses.
func (l *Loop) dispatch(ev ExitEvent) error {
	switch ev.Kind {
	case ExitPortRead, ExitPortWrite:
		size := ev.Size
		if size <= 0 || size > len(ev.Data) {
			size = len(ev.Data)
		}
		for off := 0; off+size <= len(ev.Data) && size > 0; off += size {
			chunk := ev.Data[off : off+size]
			var (
				handled bool
				err     error
			)
			if ev.Kind == ExitPortRead {
				handled, err = l.bus.ReadPort(ev.Port, chunk)
			} else {
				handled, err = l.bus.WritePort(ev.Port, chunk)
			}
			if err != nil {
				return err
			}
			if !handled {
				l.unhandled.Add(1)
				l.log.Debug("unhandled port access", "event", ev)
			}
		}
		return nil

	case ExitMmioRead:
		if _, _, ok := l.mem.Lookup(ev.Addr); ok {
			return l.mem.Read(ev.Addr, ev.Data)
		}
		handled, err := l.bus.ReadMMIO(ev.Addr, ev.Data)
		if !handled {
			l.unhandled.Add(1)
		}
		return err

	case ExitMmioWrite:
		if _, _, ok := l.mem.Lookup(ev.Addr); ok {
			return l.mem.Write(ev.Addr, ev.Data)
		}
		handled, err := l.bus.WriteMMIO(ev.Addr, ev.Data)
		if !handled {
			l.unhandled.Add(1)
		}
		return err
	}
	return nil
}

func (l *Loop) logCounts() {
	attrs := []any{"state", l.State(), "unhandled", l.Unhandled()}
	for k, n := range l.Counts() {
		attrs = append(attrs, k.String(), n)
	}
	l.log.Debug("vcpu loop finished", attrs...)
}

var _ Bus = (*chipset.Chipset)(nil)
