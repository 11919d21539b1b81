package serial

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/tinyrange/microvm/internal/chipset"
)

// testIRQLine captures interrupt line state changes
type testIRQLine struct {
	mu     sync.Mutex
	level  bool
	events []bool
}

func (t *testIRQLine) SetLevel(level bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.level = level
	t.events = append(t.events, level)
}

func (t *testIRQLine) PulseInterrupt() {
	t.SetLevel(true)
	t.SetLevel(false)
}

func (t *testIRQLine) getLevel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.level
}

func readReg(t *testing.T, s *Serial16550, offset uint16) byte {
	t.Helper()
	buf := []byte{0}
	if err := s.ReadIOPort(s.base+offset, buf); err != nil {
		t.Fatalf("read offset %d: %v", offset, err)
	}
	return buf[0]
}

func writeReg(t *testing.T, s *Serial16550, offset uint16, value byte) {
	t.Helper()
	if err := s.WriteIOPort(s.base+offset, []byte{value}); err != nil {
		t.Fatalf("write offset %d: %v", offset, err)
	}
}

func TestSerialTransmitPassesBytesThrough(t *testing.T) {
	var out bytes.Buffer
	s := NewSerial16550(COM1Base, nil, &out)

	for _, b := range []byte("hi\r\n") {
		writeReg(t, s, regData, b)
	}
	// A string write delivers every element.
	if err := s.WriteIOPort(COM1Base, []byte("ok")); err != nil {
		t.Fatalf("string write: %v", err)
	}

	if got := out.String(); got != "hi\r\nok" {
		t.Fatalf("output = %q, want %q", got, "hi\r\nok")
	}
	if lsr := readReg(t, s, regLSR); lsr&(lsrTHRE|lsrTEMT) != lsrTHRE|lsrTEMT {
		t.Fatalf("LSR = 0x%02x, want THRE|TEMT", lsr)
	}
	if st := s.Stats(); st.TXBytes != 6 {
		t.Fatalf("TXBytes = %d, want 6", st.TXBytes)
	}
}

func TestSerialReceiveFIFO(t *testing.T) {
	s := NewSerial16550(COM1Base, nil, nil)

	payload := bytes.Repeat([]byte{'x'}, FIFOSize+8)
	if n := s.QueueRX(payload...); n != FIFOSize {
		t.Fatalf("QueueRX accepted %d bytes, want %d", n, FIFOSize)
	}
	if lsr := readReg(t, s, regLSR); lsr&lsrDR == 0 {
		t.Fatalf("LSR = 0x%02x, want DR set", lsr)
	}
	for i := 0; i < FIFOSize; i++ {
		if b := readReg(t, s, regData); b != 'x' {
			t.Fatalf("byte %d = 0x%02x", i, b)
		}
	}
	if lsr := readReg(t, s, regLSR); lsr&lsrDR != 0 {
		t.Fatalf("LSR = 0x%02x, want DR clear after drain", lsr)
	}
}

func TestSerialDivisorLatch(t *testing.T) {
	s := NewSerial16550(COM2Base, nil, nil)

	writeReg(t, s, regLCR, lcrDLAB|0x03)
	writeReg(t, s, regData, 0x01)
	writeReg(t, s, regIER, 0x02)
	if got := readReg(t, s, regData); got != 0x01 {
		t.Fatalf("DLL = 0x%02x", got)
	}
	if got := readReg(t, s, regIER); got != 0x02 {
		t.Fatalf("DLM = 0x%02x", got)
	}
	writeReg(t, s, regLCR, 0x03)
	if got := readReg(t, s, regIER); got != 0 {
		t.Fatalf("IER after latch = 0x%02x, want 0", got)
	}
}

func TestSerialIIRReportsFIFO(t *testing.T) {
	s := NewSerial16550(COM1Base, nil, nil)

	if iir := readReg(t, s, regIIR); iir != iirNoInt {
		t.Fatalf("IIR = 0x%02x, want 0x01", iir)
	}
	writeReg(t, s, regIIR, fcrEnable|fcrClearRX|fcrClearTX)
	if iir := readReg(t, s, regIIR); iir != iirNoInt|iirFIFOBits {
		t.Fatalf("IIR = 0x%02x, want 0xc1", iir)
	}
}

func TestSerialInterrupts(t *testing.T) {
	irq := &testIRQLine{}
	s := NewSerial16550(COM1Base, irq, nil)

	writeReg(t, s, regMCR, mcrOUT2)
	writeReg(t, s, regIER, ierRDI)
	if irq.getLevel() {
		t.Fatal("IRQ raised with empty FIFO")
	}

	s.QueueRX('a')
	if !irq.getLevel() {
		t.Fatal("IRQ not raised on received data")
	}
	if iir := readReg(t, s, regIIR); iir&0x0f != iirRDI {
		t.Fatalf("IIR = 0x%02x, want RDI", iir)
	}
	readReg(t, s, regData)
	if irq.getLevel() {
		t.Fatal("IRQ still raised after drain")
	}

	// THRI fires once when enabled and is acknowledged by reading IIR.
	writeReg(t, s, regIER, ierTHRI)
	if !irq.getLevel() {
		t.Fatal("IRQ not raised for empty holding register")
	}
	if iir := readReg(t, s, regIIR); iir&0x0f != iirTHRI {
		t.Fatalf("IIR = 0x%02x, want THRI", iir)
	}
	if irq.getLevel() {
		t.Fatal("THRI not cleared by IIR read")
	}

	// OUT2 gates the line.
	writeReg(t, s, regMCR, 0)
	s.QueueRX('b')
	writeReg(t, s, regIER, ierRDI)
	if irq.getLevel() {
		t.Fatal("IRQ raised with OUT2 clear")
	}
}

func TestSerialLoopback(t *testing.T) {
	var out bytes.Buffer
	s := NewSerial16550(COM1Base, nil, &out)

	writeReg(t, s, regMCR, mcrLoop|mcrDTR|mcrRTS)
	writeReg(t, s, regData, 0x5a)
	if out.Len() != 0 {
		t.Fatalf("loopback leaked output %q", out.Bytes())
	}
	if got := readReg(t, s, regData); got != 0x5a {
		t.Fatalf("looped byte = 0x%02x", got)
	}
	if msr := readReg(t, s, regMSR); msr&(msrDSR|msrCTS) != msrDSR|msrCTS {
		t.Fatalf("MSR = 0x%02x, want DSR|CTS", msr)
	}
	if n := s.QueueRX('z'); n != 0 {
		t.Fatalf("QueueRX in loopback accepted %d", n)
	}
}

func TestSerialFeed(t *testing.T) {
	s := NewSerial16550(COM1Base, nil, nil)
	input := bytes.Repeat([]byte("0123456789abcdef"), 8)

	done := make(chan error, 1)
	go func() {
		done <- s.Feed(context.Background(), bytes.NewReader(input))
	}()

	var got []byte
	deadline := time.After(5 * time.Second)
	for len(got) < len(input) {
		select {
		case <-deadline:
			t.Fatalf("timed out after %d bytes", len(got))
		default:
		}
		if readReg(t, s, regLSR)&lsrDR == 0 {
			time.Sleep(time.Millisecond)
			continue
		}
		got = append(got, readReg(t, s, regData))
	}
	if !bytes.Equal(got, input) {
		t.Fatalf("received %q", got)
	}
	if err := <-done; err != nil {
		t.Fatalf("Feed: %v", err)
	}
}

type blockingReader struct{}

func (blockingReader) Read(p []byte) (int, error) {
	return copy(p, bytes.Repeat([]byte{'y'}, len(p))), nil
}

func TestSerialFeedStops(t *testing.T) {
	s := NewSerial16550(COM1Base, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Feed(ctx, blockingReader{}) }()

	// The FIFO fills and Feed waits for space.
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Feed = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Feed did not return after cancel")
	}

	s2 := NewSerial16550(COM2Base, nil, nil)
	go func() { done <- s2.Feed(context.Background(), blockingReader{}) }()
	time.Sleep(10 * time.Millisecond)
	if err := s2.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := <-done; !errors.Is(err, ErrStopped) {
		t.Fatalf("Feed after Stop = %v, want ErrStopped", err)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestSerialOutputError(t *testing.T) {
	s := NewSerial16550(COM1Base, nil, failingWriter{})
	err := s.WriteIOPort(COM1Base, []byte{'a'})
	if !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("WriteIOPort = %v, want ErrClosedPipe", err)
	}
	if st := s.Stats(); st.WriteError != 1 {
		t.Fatalf("WriteError = %d", st.WriteError)
	}
}

func TestSerialOnBus(t *testing.T) {
	var out bytes.Buffer
	b := chipset.NewBuilder()
	if err := b.RegisterDevice("com1", NewSerial16550(COM1Base, nil, &out)); err != nil {
		t.Fatal(err)
	}
	if err := b.RegisterDevice("com2", NewSerial16550(COM2Base, nil, nil)); err != nil {
		t.Fatal(err)
	}
	// COM3 shares no ports with COM1 even though it shares the IRQ.
	if err := b.RegisterDevice("com3", NewSerial16550(COM3Base, nil, nil)); err != nil {
		t.Fatal(err)
	}
	if err := b.RegisterDevice("dup", NewSerial16550(COM1Base+4, nil, nil)); !errors.Is(err, chipset.ErrRangeOverlap) {
		t.Fatalf("overlapping UART = %v, want ErrRangeOverlap", err)
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cs.WritePort(COM1Base, []byte{'!'}); err != nil {
		t.Fatal(err)
	}
	if out.String() != "!" {
		t.Fatalf("output = %q", out.String())
	}
}
