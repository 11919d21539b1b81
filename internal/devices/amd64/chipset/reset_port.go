package chipset

import (
	"sync"

	bus "github.com/tinyrange/microvm/internal/chipset"
	"github.com/tinyrange/microvm/internal/hv"
)

// ResetControlPort is the PCI-era reset control register at 0xCF9. Linux
// uses it for reboot=pci and as a fallback when the keyboard controller
// reset does not take effect.
const ResetControlPort uint16 = 0xcf9

const (
	resetCPU  = 1 << 2
	resetFull = 1 << 1
)

// ResetControl emulates the reset control register.
type ResetControl struct {
	mu   sync.Mutex
	last byte
}

func NewResetControl() *ResetControl {
	return &ResetControl{}
}

func (p *ResetControl) Start() error { return nil }
func (p *ResetControl) Stop() error  { return nil }

func (p *ResetControl) SupportsPortIO() *bus.PortIOIntercept {
	return &bus.PortIOIntercept{
		Ranges:  []bus.PortRange{{Base: ResetControlPort, Size: 1}},
		Handler: p,
	}
}

func (p *ResetControl) SupportsMmio() *bus.MmioIntercept { return nil }

func (p *ResetControl) ReadIOPort(port uint16, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range data {
		data[i] = p.last
	}
	return nil
}

// WriteIOPort latches the value; bit 2 requests the reset.
func (p *ResetControl) WriteIOPort(port uint16, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	value := data[len(data)-1]
	p.last = value &^ resetCPU
	if value&resetCPU == 0 {
		return nil
	}
	return hv.ErrGuestRequestedReboot
}

var _ bus.ChipsetDevice = (*ResetControl)(nil)
