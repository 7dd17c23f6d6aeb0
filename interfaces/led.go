package interfaces

import "sync"

// NopLED is an LED that does nothing. It is the default wherever no board
// driver is wired in.
type NopLED struct{}

func (NopLED) On(idx uint)     {}
func (NopLED) Off(idx uint)    {}
func (NopLED) Toggle(idx uint) {}

// LEDEvent is a single recorded LED operation.
type LEDEvent struct {
	Op  string // "on", "off" or "toggle"
	Idx uint
}

// RecordingLED captures every LED operation in order for test assertions.
// Safe for concurrent use.
type RecordingLED struct {
	mu     sync.Mutex
	events []LEDEvent
}

func (l *RecordingLED) On(idx uint)     { l.record("on", idx) }
func (l *RecordingLED) Off(idx uint)    { l.record("off", idx) }
func (l *RecordingLED) Toggle(idx uint) { l.record("toggle", idx) }

func (l *RecordingLED) record(op string, idx uint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, LEDEvent{Op: op, Idx: idx})
}

// Events returns a copy of the recorded operations.
func (l *RecordingLED) Events() []LEDEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LEDEvent, len(l.events))
	copy(out, l.events)
	return out
}
