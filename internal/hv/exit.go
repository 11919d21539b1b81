package hv

import "fmt"

// ExitReason is the backend-neutral decoding of a hypervisor exit. Code on
// the Exit always carries the raw numeric reason.
type ExitReason uint8

const (
	ExitReasonUnknown ExitReason = iota
	ExitReasonIO
	ExitReasonMMIO
	ExitReasonHalt
	ExitReasonShutdown
	ExitReasonSystemEvent
	ExitReasonInternalError
	ExitReasonFailEntry
)

func (r ExitReason) String() string {
	switch r {
	case ExitReasonIO:
		return "io"
	case ExitReasonMMIO:
		return "mmio"
	case ExitReasonHalt:
		return "halt"
	case ExitReasonShutdown:
		return "shutdown"
	case ExitReasonSystemEvent:
		return "system-event"
	case ExitReasonInternalError:
		return "internal-error"
	case ExitReasonFailEntry:
		return "fail-entry"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(r))
	}
}

// System event types reported with ExitReasonSystemEvent.
const (
	SystemEventShutdown uint32 = 1
	SystemEventReset    uint32 = 2
	SystemEventCrash    uint32 = 3
)

// Exit is one decoded hypervisor exit.
type Exit struct {
	Reason ExitReason
	Code   uint64

	// Port I/O and MMIO.
	Port    uint16
	Addr    uint64
	IsWrite bool
	Size    int
	Count   int

	// Data aliases the backend's exchange buffer. For reads the monitor
	// fills it before the next Run; for writes it holds the guest's bytes.
	Data []byte

	// SubCode holds the internal error suberror, the system event type or
	// the hardware entry failure reason.
	SubCode uint64
}

func (e *Exit) String() string {
	switch e.Reason {
	case ExitReasonIO:
		dir := "in"
		if e.IsWrite {
			dir = "out"
		}
		return fmt.Sprintf("io %s port=0x%x size=%d count=%d", dir, e.Port, e.Size, e.Count)
	case ExitReasonMMIO:
		dir := "read"
		if e.IsWrite {
			dir = "write"
		}
		return fmt.Sprintf("mmio %s addr=0x%x len=%d", dir, e.Addr, len(e.Data))
	default:
		return fmt.Sprintf("%s code=%d sub=%d", e.Reason, e.Code, e.SubCode)
	}
}
