package trace

import (
	"io"
	"sync"
)

// RingTracer keeps the most recent events in memory for a failure dump.
type RingTracer struct {
	mu    sync.RWMutex
	buf   []Event
	next  int // slot the next event goes to
	count int // filled slots, at most len(buf)
	level Level
}

// NewRingTracer keeps up to capacity events (4096 when capacity <= 0).
func NewRingTracer(capacity int, level Level) *RingTracer {
	if capacity <= 0 {
		capacity = 4096
	}
	return &RingTracer{buf: make([]Event, capacity), level: level}
}

// Emit stores ev, overwriting the oldest event once full. At LevelError the
// ring still keeps operation boundaries so the dump shows what was running.
func (t *RingTracer) Emit(ev *Event) {
	if !t.keeps(ev) {
		return
	}
	t.mu.Lock()
	t.buf[t.next] = *ev
	t.next = (t.next + 1) % len(t.buf)
	t.count = min(t.count+1, len(t.buf))
	t.mu.Unlock()
}

func (t *RingTracer) keeps(ev *Event) bool {
	switch {
	case ev.Kind == KindHeartbeat:
		return true
	case t.level == LevelError:
		return ev.Scope <= ScopeOperation
	}
	return t.level.ShouldEmit(ev.Scope)
}

func (t *RingTracer) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// Snapshot copies the stored events, oldest first.
func (t *RingTracer) Snapshot() []Event {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Event, 0, t.count)
	oldest := (t.next - t.count + len(t.buf)) % len(t.buf)
	for i := range t.count {
		out = append(out, t.buf[(oldest+i)%len(t.buf)])
	}
	return out
}

// Dump writes the snapshot to w.
func (t *RingTracer) Dump(w io.Writer, format Format) error {
	for _, ev := range t.Snapshot() {
		if _, err := w.Write(FormatEvent(&ev, format)); err != nil {
			return err
		}
	}
	return nil
}

func (t *RingTracer) Flush() error  { return nil }
func (t *RingTracer) Close() error  { return nil }
func (t *RingTracer) Level() Level  { return t.level }
func (t *RingTracer) Enabled() bool { return t.level > LevelOff }
