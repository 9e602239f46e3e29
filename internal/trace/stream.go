package trace

import (
	"bufio"
	"errors"
	"io"
	"os"
	"sync"
)

// StreamTracer writes each event as it arrives. Output is buffered; events at
// operation scope and heartbeats flush it so a killed run keeps its last
// completed operations.
type StreamTracer struct {
	mu     sync.Mutex
	dst    io.Writer
	buf    *bufio.Writer
	level  Level
	format Format
}

func NewStreamTracer(w io.Writer, level Level, format Format) *StreamTracer {
	return &StreamTracer{
		dst:    w,
		buf:    bufio.NewWriter(w),
		level:  level,
		format: format,
	}
}

func (t *StreamTracer) Emit(ev *Event) {
	if ev.Kind != KindHeartbeat && !t.level.ShouldEmit(ev.Scope) {
		return
	}
	line := FormatEvent(ev, t.format)

	t.mu.Lock()
	defer t.mu.Unlock()
	// Write errors resurface from Flush.
	_, _ = t.buf.Write(line)
	if ev.Scope <= ScopeOperation {
		_ = t.buf.Flush()
	}
}

func (t *StreamTracer) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.Flush()
}

// Close flushes and closes the destination. Stdout and stderr stay open.
func (t *StreamTracer) Close() error {
	err := t.Flush()
	if t.dst == os.Stderr || t.dst == os.Stdout {
		return err
	}
	if c, ok := t.dst.(io.Closer); ok {
		err = errors.Join(err, c.Close())
	}
	return err
}

func (t *StreamTracer) Level() Level { return t.level }

func (t *StreamTracer) Enabled() bool { return t.level > LevelOff }
