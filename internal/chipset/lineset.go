package chipset

import (
	"log/slog"
	"sync"
)

// InterruptSink receives interrupt assertions for a given line.
// hv.VirtualMachine satisfies it.
type InterruptSink interface {
	SetIRQ(line uint32, level bool) error
}

// LineSet hands out LineInterrupt handles that forward level changes to a
// sink, suppressing repeated assertions of the same level.
type LineSet struct {
	mu sync.Mutex

	sink  InterruptSink
	lines map[uint32]*lineState
}

// NewLineSet builds a LineSet that forwards assertions to the provided sink.
func NewLineSet(sink InterruptSink) *LineSet {
	if sink == nil {
		sink = noopInterruptSink{}
	}
	return &LineSet{
		sink:  sink,
		lines: make(map[uint32]*lineState),
	}
}

// AllocateLine returns a LineInterrupt handle for the given IRQ line.
func (l *LineSet) AllocateLine(irq uint32) LineInterrupt {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.lines[irq]; !ok {
		l.lines[irq] = &lineState{}
	}
	return &lineHandle{owner: l, irq: irq}
}

// Level reports the last level driven on irq.
func (l *LineSet) Level(irq uint32) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s := l.lines[irq]; s != nil {
		return s.level
	}
	return false
}

type lineState struct {
	level bool
}

type lineHandle struct {
	owner *LineSet
	irq   uint32
}

func (h *lineHandle) SetLevel(high bool) {
	h.owner.setLevel(h.irq, high)
}

func (h *lineHandle) PulseInterrupt() {
	h.owner.pulse(h.irq)
}

func (l *LineSet) setLevel(irq uint32, high bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	state := l.lines[irq]
	if state == nil {
		state = &lineState{}
		l.lines[irq] = state
	}
	if state.level == high {
		return
	}
	state.level = high

	l.forward(irq, high)
}

func (l *LineSet) pulse(irq uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.forward(irq, true)
	l.forward(irq, false)
	if state := l.lines[irq]; state != nil {
		state.level = false
	}
}

// forward is called with l.mu held so level changes reach the sink in the
// order they were made.
func (l *LineSet) forward(irq uint32, level bool) {
	if err := l.sink.SetIRQ(irq, level); err != nil {
		slog.Warn("chipset: set irq", "line", irq, "level", level, "error", err)
	}
}

type noopInterruptSink struct{}

func (noopInterruptSink) SetIRQ(uint32, bool) error { return nil }
