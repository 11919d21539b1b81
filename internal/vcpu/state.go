package vcpu

// State is the lifecycle of a vCPU loop:
//
//	Created -> Configured -> Running <-> Exited -> Halted | ShuttingDown | Faulted
type State uint32

const (
	StateCreated State = iota
	StateConfigured
	StateRunning
	StateExited
	StateHalted
	StateShuttingDown
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConfigured:
		return "configured"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateHalted:
		return "halted"
	case StateShuttingDown:
		return "shutting-down"
	case StateFaulted:
		return "faulted"
	default:
		return "invalid"
	}
}

// Final reports whether the loop can no longer run guest code.
func (s State) Final() bool {
	return s == StateHalted || s == StateShuttingDown || s == StateFaulted
}
