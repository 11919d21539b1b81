package vcpu

import (
	"fmt"

	"github.com/tinyrange/microvm/internal/hv"
)

type EventKind uint8

const (
	ExitUnknown EventKind = iota
	ExitPortRead
	ExitPortWrite
	ExitMmioRead
	ExitMmioWrite
	ExitHalt
	ExitShutdown
	ExitInternalError

	numEventKinds
)

func (k EventKind) String() string {
	switch k {
	case ExitPortRead:
		return "port-read"
	case ExitPortWrite:
		return "port-write"
	case ExitMmioRead:
		return "mmio-read"
	case ExitMmioWrite:
		return "mmio-write"
	case ExitHalt:
		return "halt"
	case ExitShutdown:
		return "shutdown"
	case ExitInternalError:
		return "internal-error"
	default:
		return "unknown"
	}
}

// ShutdownReason tells apart the ways a guest can end the machine cleanly.
type ShutdownReason uint8

const (
	ShutdownNone ShutdownReason = iota
	// ShutdownReset is a reset command written to a board device.
	ShutdownReset
	// ShutdownRequested is a shutdown or reset the hypervisor reported as a
	// system event.
	ShutdownRequested
	// ShutdownTripleFault is a processor shutdown. A guest only gets here by
	// faulting while delivering a double fault, so it usually means a crash.
	ShutdownTripleFault
)

func (r ShutdownReason) String() string {
	switch r {
	case ShutdownReset:
		return "reset"
	case ShutdownRequested:
		return "requested"
	case ShutdownTripleFault:
		return "triple-fault"
	default:
		return "none"
	}
}

// ExitEvent is a classified vCPU exit. Data aliases the exit's exchange
// buffer: for reads the loop fills it before the next run.
type ExitEvent struct {
	Kind EventKind
	Port uint16
	Addr uint64

	// Size is the width of one access. String I/O carries Count accesses
	// back to back in Data.
	Size int
	Data []byte

	// Code is the hypervisor's numeric reason for internal errors and
	// unknown exits.
	Code uint64

	// Shutdown is set for ExitShutdown.
	Shutdown ShutdownReason
}

func (e ExitEvent) String() string {
	switch e.Kind {
	case ExitPortRead, ExitPortWrite:
		return fmt.Sprintf("%s port=0x%x size=%d len=%d", e.Kind, e.Port, e.Size, len(e.Data))
	case ExitMmioRead, ExitMmioWrite:
		return fmt.Sprintf("%s addr=0x%x len=%d", e.Kind, e.Addr, len(e.Data))
	case ExitInternalError, ExitUnknown:
		return fmt.Sprintf("%s code=%d", e.Kind, e.Code)
	case ExitShutdown:
		return fmt.Sprintf("%s reason=%s", e.Kind, e.Shutdown)
	default:
		return e.Kind.String()
	}
}

// Classify maps every hypervisor exit onto an ExitEvent. A nil exit is
// Unknown.
func Classify(exit *hv.Exit) ExitEvent {
	if exit == nil {
		return ExitEvent{Kind: ExitUnknown}
	}
	switch exit.Reason {
	case hv.ExitReasonIO:
		ev := ExitEvent{Kind: ExitPortRead, Port: exit.Port, Size: exit.Size, Data: exit.Data}
		if exit.IsWrite {
			ev.Kind = ExitPortWrite
		}
		return ev
	case hv.ExitReasonMMIO:
		ev := ExitEvent{Kind: ExitMmioRead, Addr: exit.Addr, Size: len(exit.Data), Data: exit.Data}
		if exit.IsWrite {
			ev.Kind = ExitMmioWrite
		}
		return ev
	case hv.ExitReasonHalt:
		return ExitEvent{Kind: ExitHalt}
	case hv.ExitReasonShutdown:
		return ExitEvent{Kind: ExitShutdown, Shutdown: ShutdownTripleFault}
	case hv.ExitReasonSystemEvent:
		switch uint32(exit.SubCode) {
		case hv.SystemEventShutdown, hv.SystemEventReset:
			return ExitEvent{Kind: ExitShutdown, Code: exit.SubCode, Shutdown: ShutdownRequested}
		case hv.SystemEventCrash:
			return ExitEvent{Kind: ExitInternalError, Code: exit.SubCode}
		}
		return ExitEvent{Kind: ExitUnknown, Code: exit.Code}
	case hv.ExitReasonInternalError, hv.ExitReasonFailEntry:
		return ExitEvent{Kind: ExitInternalError, Code: exit.SubCode}
	default:
		return ExitEvent{Kind: ExitUnknown, Code: exit.Code}
	}
}
