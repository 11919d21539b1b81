package chipset

import (
	"errors"
	"testing"

	"github.com/tinyrange/microvm/internal/hv"
)

func TestResetControl(t *testing.T) {
	p := NewResetControl()

	// Selecting a hard reset without the trigger bit only latches.
	if err := p.WriteIOPort(ResetControlPort, []byte{resetFull}); err != nil {
		t.Fatalf("latch write: %v", err)
	}
	buf := []byte{0}
	if err := p.ReadIOPort(ResetControlPort, buf); err != nil || buf[0] != resetFull {
		t.Fatalf("read back = 0x%02x, %v", buf[0], err)
	}

	err := p.WriteIOPort(ResetControlPort, []byte{resetFull | resetCPU})
	if !errors.Is(err, hv.ErrGuestRequestedReboot) {
		t.Fatalf("reset write = %v, want ErrGuestRequestedReboot", err)
	}
}
