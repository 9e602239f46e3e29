package trace

import (
	"context"
	"log/slog"
)

// LogTracer turns span events into slog records. Span ends are logged at
// Info with their duration; everything else at Debug.
type LogTracer struct {
	logger *slog.Logger
	level  Level
}

// NewLogTracer creates a LogTracer; a nil logger means slog.Default().
func NewLogTracer(logger *slog.Logger, level Level) *LogTracer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogTracer{logger: logger.With("component", "trace"), level: level}
}

// Emit logs the event.
func (t *LogTracer) Emit(ev *Event) {
	if !t.level.ShouldEmit(ev.Scope) && ev.Kind != KindHeartbeat {
		return
	}
	lvl := slog.LevelDebug
	if ev.Kind == KindSpanEnd && ev.Scope == ScopeOperation {
		lvl = slog.LevelInfo
	}
	attrs := make([]slog.Attr, 0, 5+len(ev.Extra))
	attrs = append(attrs,
		slog.String("kind", ev.Kind.String()),
		slog.String("scope", ev.Scope.String()),
		slog.Uint64("span", ev.SpanID),
	)
	if ev.ParentID != 0 {
		attrs = append(attrs, slog.Uint64("parent", ev.ParentID))
	}
	if ev.Detail != "" {
		attrs = append(attrs, slog.String("detail", ev.Detail))
	}
	for k, v := range ev.Extra {
		attrs = append(attrs, slog.String(k, v))
	}
	t.logger.LogAttrs(context.Background(), lvl, ev.Name, attrs...)
}

// Flush is a no-op; the handler owns buffering.
func (t *LogTracer) Flush() error { return nil }

// Close is a no-op.
func (t *LogTracer) Close() error { return nil }

// Level returns the current tracing level.
func (t *LogTracer) Level() Level { return t.level }

// Enabled returns true if tracing is active.
func (t *LogTracer) Enabled() bool { return t.level > LevelOff }
