package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/tinyrange/microvm/internal/chipset"
)

// Standard PC COM port bases and their ISA interrupt lines.
const (
	COM1Base uint16 = 0x3f8
	COM2Base uint16 = 0x2f8
	COM3Base uint16 = 0x3e8
	COM4Base uint16 = 0x2e8

	COM1IRQ uint32 = 4
	COM2IRQ uint32 = 3
	COM3IRQ uint32 = 4
	COM4IRQ uint32 = 3
)

// FIFOSize is the depth of both the receive and transmit FIFOs (16550A
// compatible drivers only rely on the first 16 entries).
const FIFOSize = 64

const (
	serialRegisterCount = 8

	regData = 0 // RBR/THR, DLL when DLAB
	regIER  = 1 // DLM when DLAB
	regIIR  = 2 // FCR on write
	regLCR  = 3
	regMCR  = 4
	regLSR  = 5
	regMSR  = 6
	regSCR  = 7

	lcrDLAB = 1 << 7

	ierRDI  = 1 << 0
	ierTHRI = 1 << 1
	ierRLSI = 1 << 2
	ierMSI  = 1 << 3

	iirNoInt    = 0x01
	iirMSI      = 0x00
	iirTHRI     = 0x02
	iirRDI      = 0x04
	iirRLSI     = 0x06
	iirTimeout  = 0x0c
	iirFIFOBits = 0xc0

	fcrEnable     = 1 << 0
	fcrClearRX    = 1 << 1
	fcrClearTX    = 1 << 2
	fcrTriggerMsk = 0xc0

	lsrDR   = 1 << 0
	lsrOE   = 1 << 1
	lsrBI   = 1 << 4
	lsrTHRE = 1 << 5
	lsrTEMT = 1 << 6
	// Overrun, parity, framing and break; cleared by reading LSR.
	lsrErrorBits = 0x1e

	mcrDTR  = 1 << 0
	mcrRTS  = 1 << 1
	mcrOUT1 = 1 << 2
	mcrOUT2 = 1 << 3 // interrupt gate
	mcrLoop = 1 << 4

	msrDeltaMask = 0x0f
	msrCTS       = 1 << 4
	msrDSR       = 1 << 5
	msrRI        = 1 << 6
	msrDCD       = 1 << 7
)

// ErrStopped is returned by Feed once the UART has been stopped.
var ErrStopped = errors.New("serial: device stopped")

// Stats counts traffic through the UART.
type Stats struct {
	TXBytes    uint64
	RXBytes    uint64
	RXDropped  uint64
	IRQRaised  uint64
	WriteError uint64
}

// fifo is a fixed ring of FIFOSize bytes.
type fifo struct {
	buf   [FIFOSize]byte
	head  int
	count int
}

func (f *fifo) push(b byte) bool {
	if f.count == FIFOSize {
		return false
	}
	f.buf[(f.head+f.count)%FIFOSize] = b
	f.count++
	return true
}

func (f *fifo) pop() (byte, bool) {
	if f.count == 0 {
		return 0, false
	}
	b := f.buf[f.head]
	f.head = (f.head + 1) % FIFOSize
	f.count--
	return b, true
}

func (f *fifo) reset() { f.head, f.count = 0, 0 }

// Serial16550 emulates a 16550A UART occupying eight consecutive I/O ports.
// Transmitted bytes are passed to the output writer unchanged.
type Serial16550 struct {
	mu sync.Mutex

	base    uint16
	irqLine chipset.LineInterrupt
	out     io.Writer

	dll       byte
	dlm       byte
	ier       byte
	fcr       byte
	lcr       byte
	mcr       byte
	lsr       byte
	msrStatus byte
	msrDelta  byte
	scr       byte

	rx fifo
	tx fifo

	// thriPending latches the THR-empty interrupt until IIR reports it
	// or the guest writes THR again.
	thriPending bool
	pendingIIR  byte
	irqAsserted bool

	// rxSpace is signalled whenever the guest drains the receive FIFO.
	rxSpace chan struct{}
	stopped chan struct{}
	stopOne sync.Once

	stats Stats
}

// NewSerial16550 creates a UART at base. A nil irqLine leaves the device
// polled only; a nil out discards transmitted bytes.
func NewSerial16550(base uint16, irqLine chipset.LineInterrupt, out io.Writer) *Serial16550 {
	if irqLine == nil {
		irqLine = chipset.LineInterruptDetached()
	}
	if out == nil {
		out = io.Discard
	}
	s := &Serial16550{
		base:    base,
		irqLine: irqLine,
		out:     out,
		rxSpace: make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	s.resetLocked()
	return s
}

func (s *Serial16550) resetLocked() {
	s.dll, s.dlm = 0, 0
	s.ier, s.fcr, s.lcr, s.mcr, s.scr = 0, 0, 0, 0, 0
	s.lsr = lsrTHRE | lsrTEMT
	s.msrStatus = msrCTS | msrDSR | msrDCD
	s.msrDelta = 0
	s.rx.reset()
	s.tx.reset()
	s.thriPending = false
	s.pendingIIR = iirNoInt
}

// Base returns the first I/O port of the UART.
func (s *Serial16550) Base() uint16 { return s.base }

// Start implements chipset.ChangeDeviceState.
func (s *Serial16550) Start() error { return nil }

// Stop implements chipset.ChangeDeviceState. Pending output is flushed and
// any Feed in progress returns ErrStopped.
func (s *Serial16550) Stop() error {
	s.stopOne.Do(func() { close(s.stopped) })

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushTXLocked()
}

// SupportsPortIO implements chipset.ChipsetDevice.
func (s *Serial16550) SupportsPortIO() *chipset.PortIOIntercept {
	return &chipset.PortIOIntercept{
		Ranges:  []chipset.PortRange{{Base: s.base, Size: serialRegisterCount}},
		Handler: s,
	}
}

// SupportsMmio implements chipset.ChipsetDevice.
func (s *Serial16550) SupportsMmio() *chipset.MmioIntercept { return nil }

// ReadIOPort implements chipset.PortIOHandler. Repeated string reads pop
// one byte per element.
func (s *Serial16550) ReadIOPort(port uint16, data []byte) error {
	if port < s.base || port >= s.base+serialRegisterCount {
		return fmt.Errorf("serial: read of foreign port 0x%04x", port)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range data {
		data[i] = s.readRegisterLocked(port - s.base)
	}
	s.updateInterruptsLocked()
	return nil
}

// WriteIOPort implements chipset.PortIOHandler.
func (s *Serial16550) WriteIOPort(port uint16, data []byte) error {
	if port < s.base || port >= s.base+serialRegisterCount {
		return fmt.Errorf("serial: write of foreign port 0x%04x", port)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, value := range data {
		s.writeRegisterLocked(port-s.base, value)
	}
	err := s.flushTXLocked()
	s.updateInterruptsLocked()
	return err
}

func (s *Serial16550) readRegisterLocked(offset uint16) byte {
	switch offset {
	case regData:
		if s.lcr&lcrDLAB != 0 {
			return s.dll
		}
		return s.readRXLocked()
	case regIER:
		if s.lcr&lcrDLAB != 0 {
			return s.dlm
		}
		return s.ier
	case regIIR:
		s.updateInterruptsLocked()
		value := s.pendingIIR
		if value == iirTHRI {
			s.thriPending = false
		}
		if s.fcr&fcrEnable != 0 {
			value |= iirFIFOBits
		}
		return value
	case regLCR:
		return s.lcr
	case regMCR:
		return s.mcr
	case regLSR:
		value := s.lsr
		s.lsr &^= lsrErrorBits
		return value
	case regMSR:
		value := s.msrStatus | s.msrDelta
		s.msrDelta = 0
		return value
	case regSCR:
		return s.scr
	}
	return 0
}

func (s *Serial16550) writeRegisterLocked(offset uint16, value byte) {
	switch offset {
	case regData:
		if s.lcr&lcrDLAB != 0 {
			s.dll = value
			return
		}
		s.writeTXLocked(value)
	case regIER:
		if s.lcr&lcrDLAB != 0 {
			s.dlm = value
			return
		}
		prev := s.ier
		s.ier = value & 0x0f
		// Enabling THRI with an empty holding register raises it at once.
		if prev&ierTHRI == 0 && s.ier&ierTHRI != 0 && s.lsr&lsrTHRE != 0 {
			s.thriPending = true
		}
	case regIIR:
		s.setFCRLocked(value)
	case regLCR:
		s.lcr = value
	case regMCR:
		s.setMCRLocked(value)
	case regLSR, regMSR:
		// Read-only.
	case regSCR:
		s.scr = value
	}
}

func (s *Serial16550) writeTXLocked(value byte) {
	s.thriPending = false
	if s.mcr&mcrLoop != 0 {
		s.pushRXLocked(value)
		s.thriPending = true
		return
	}
	if !s.tx.push(value) {
		// Holding register overrun; the byte is lost as on hardware.
		return
	}
	s.lsr &^= lsrTEMT
	if s.tx.count == FIFOSize {
		s.lsr &^= lsrTHRE
	}
}

// flushTXLocked drains the transmit FIFO to the output writer.
func (s *Serial16550) flushTXLocked() error {
	if s.tx.count == 0 {
		return nil
	}
	buf := make([]byte, 0, s.tx.count)
	for {
		b, ok := s.tx.pop()
		if !ok {
			break
		}
		buf = append(buf, b)
	}
	s.lsr |= lsrTHRE | lsrTEMT
	s.thriPending = true
	s.stats.TXBytes += uint64(len(buf))

	if _, err := s.out.Write(buf); err != nil {
		s.stats.WriteError++
		return fmt.Errorf("serial: write output: %w", err)
	}
	return nil
}

func (s *Serial16550) pushRXLocked(value byte) bool {
	if !s.rx.push(value) {
		s.lsr |= lsrOE
		s.stats.RXDropped++
		return false
	}
	s.lsr |= lsrDR
	s.stats.RXBytes++
	return true
}

func (s *Serial16550) readRXLocked() byte {
	if s.lsr&lsrBI != 0 {
		s.lsr &^= lsrBI
		return 0
	}
	value, ok := s.rx.pop()
	if !ok {
		return 0
	}
	if s.rx.count == 0 {
		s.lsr &^= lsrDR
	}
	select {
	case s.rxSpace <- struct{}{}:
	default:
	}
	return value
}

func (s *Serial16550) setFCRLocked(value byte) {
	if value&fcrClearRX != 0 {
		s.rx.reset()
		s.lsr &^= lsrDR
	}
	if value&fcrClearTX != 0 {
		s.tx.reset()
		s.lsr |= lsrTHRE | lsrTEMT
	}
	// The clear bits self-reset.
	s.fcr = value &^ (fcrClearRX | fcrClearTX)
}

// rxTrigger returns the receive FIFO level that raises a data interrupt.
func (s *Serial16550) rxTrigger() int {
	if s.fcr&fcrEnable == 0 {
		return 1
	}
	switch s.fcr & fcrTriggerMsk {
	case 0x40:
		return 4
	case 0x80:
		return 8
	case 0xc0:
		return 14
	default:
		return 1
	}
}

func (s *Serial16550) setMCRLocked(value byte) {
	prev := s.mcr
	s.mcr = value & 0x1f

	if prev&mcrLoop != 0 && s.mcr&mcrLoop == 0 {
		s.rx.reset()
		s.lsr &^= lsrDR
	}

	prevStatus := s.msrStatus
	if s.mcr&mcrLoop != 0 {
		var status byte
		if s.mcr&mcrDTR != 0 {
			status |= msrDSR
		}
		if s.mcr&mcrRTS != 0 {
			status |= msrCTS
		}
		if s.mcr&mcrOUT1 != 0 {
			status |= msrRI
		}
		if s.mcr&mcrOUT2 != 0 {
			status |= msrDCD
		}
		s.msrStatus = status
	} else {
		s.msrStatus = msrCTS | msrDSR | msrDCD
	}

	changed := prevStatus ^ s.msrStatus
	s.msrDelta |= (changed >> 4) & msrDeltaMask
	// Trailing-edge RI only.
	if changed&msrRI != 0 && s.msrStatus&msrRI != 0 {
		s.msrDelta &^= 1 << 2
	}
}

func (s *Serial16550) updateInterruptsLocked() {
	interrupt := byte(iirNoInt)

	switch {
	case s.ier&ierRLSI != 0 && s.lsr&lsrErrorBits != 0:
		interrupt = iirRLSI
	case s.ier&ierRDI != 0 && s.rx.count >= s.rxTrigger():
		interrupt = iirRDI
	case s.ier&ierRDI != 0 && s.rx.count > 0:
		interrupt = iirTimeout
	case s.ier&ierTHRI != 0 && s.thriPending:
		interrupt = iirTHRI
	case s.ier&ierMSI != 0 && s.msrDelta != 0:
		interrupt = iirMSI
	}
	s.pendingIIR = interrupt

	asserted := interrupt != iirNoInt && s.mcr&mcrOUT2 != 0
	if asserted == s.irqAsserted {
		return
	}
	s.irqAsserted = asserted
	if asserted {
		s.stats.IRQRaised++
	}
	s.irqLine.SetLevel(asserted)
}

// QueueRX appends bytes to the receive FIFO and returns how many were
// accepted. Input is ignored while the UART is in loopback mode.
func (s *Serial16550) QueueRX(data ...byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mcr&mcrLoop != 0 {
		return 0
	}
	n := 0
	for _, b := range data {
		if s.rx.count == FIFOSize {
			break
		}
		s.pushRXLocked(b)
		n++
	}
	if n > 0 {
		s.updateInterruptsLocked()
	}
	return n
}

// Feed copies r into the receive FIFO until r fails, ctx is done or the
// device is stopped. It blocks while the FIFO is full instead of dropping
// input. io.EOF from r is reported as a nil error.
func (s *Serial16550) Feed(ctx context.Context, r io.Reader) error {
	buf := make([]byte, FIFOSize)
	for {
		n, err := r.Read(buf)
		pending := buf[:n]
		for len(pending) > 0 {
			accepted := s.QueueRX(pending...)
			pending = pending[accepted:]
			if len(pending) == 0 {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.stopped:
				return ErrStopped
			case <-s.rxSpace:
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("serial: read input: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopped:
			return ErrStopped
		default:
		}
	}
}

// Stats returns a snapshot of the traffic counters.
func (s *Serial16550) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

var (
	_ chipset.ChipsetDevice     = (*Serial16550)(nil)
	_ chipset.PortIOHandler     = (*Serial16550)(nil)
	_ chipset.ChangeDeviceState = (*Serial16550)(nil)
)
