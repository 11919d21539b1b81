package vmm

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/microvm/internal/vcpu"
)

// Termination is the machine-wide stop flag. The first Terminate or
// Shutdown call wins: it records why and cancels the context every vCPU
// runs under, which kicks in-flight runs out of the guest.
type Termination struct {
	flag   atomic.Bool
	once   sync.Once
	cause  error
	reason vcpu.ShutdownReason
	cancel context.CancelFunc
}

func NewTermination(cancel context.CancelFunc) *Termination {
	return &Termination{cancel: cancel}
}

func (t *Termination) Terminated() bool { return t.flag.Load() }

// Terminate sets the flag for a failure.
func (t *Termination) Terminate(cause error) {
	t.set(cause, vcpu.ShutdownNone)
}

// Shutdown sets the flag for a guest that ended the machine itself.
func (t *Termination) Shutdown(reason vcpu.ShutdownReason) {
	t.set(nil, reason)
}

func (t *Termination) set(cause error, reason vcpu.ShutdownReason) {
	t.once.Do(func() {
		t.cause, t.reason = cause, reason
		t.flag.Store(true)
		if t.cancel != nil {
			t.cancel()
		}
	})
}

// Cause returns the error passed to the first Terminate. It is only
// meaningful once Terminated reports true.
func (t *Termination) Cause() error {
	if !t.flag.Load() {
		return nil
	}
	return t.cause
}

// Reason is the guest's shutdown reason, or ShutdownNone when the machine
// stopped for another reason.
func (t *Termination) Reason() vcpu.ShutdownReason {
	if !t.flag.Load() {
		return vcpu.ShutdownNone
	}
	return t.reason
}
