package trace

import (
	"context"
	"sync/atomic"
	"time"
)

var (
	seqCounter  atomic.Uint64
	spanCounter atomic.Uint64
)

// NextSeq returns a monotonically increasing sequence number.
func NextSeq() uint64 { return seqCounter.Add(1) }

// NextSpanID returns a unique span ID.
func NextSpanID() uint64 { return spanCounter.Add(1) }

func wants(t Tracer, scope Scope) bool {
	return t != nil && t.Enabled() && t.Level().ShouldEmit(scope)
}

// Span tracks one traced unit of work between Begin and End. A Span from a
// tracer that filtered its scope is inert; End still reports the elapsed time.
type Span struct {
	tracer  Tracer
	head    Event
	started time.Time
	extra   map[string]string
}

// Begin starts a span below parent (0 for a root span) and emits its
// SpanBegin event.
func Begin(t Tracer, scope Scope, name string, parent uint64) *Span {
	now := time.Now()
	if !wants(t, scope) {
		return &Span{tracer: Nop, started: now}
	}
	s := &Span{
		tracer:  t,
		started: now,
		head: Event{
			Scope:    scope,
			SpanID:   NextSpanID(),
			ParentID: parent,
			Name:     name,
		},
	}
	begin := s.head
	begin.Time = now
	begin.Seq = NextSeq()
	begin.Kind = KindSpanBegin
	t.Emit(&begin)
	return s
}

// Start begins a span under the span carried by ctx and returns a context
// carrying the new one. The tracer comes from ctx.
func Start(ctx context.Context, scope Scope, name string) (context.Context, *Span) {
	span := Begin(FromContext(ctx), scope, name, SpanID(ctx))
	if span.ID() == 0 {
		return ctx, span
	}
	return withSpan(ctx, span.ID()), span
}

// End emits the SpanEnd event, with the elapsed time as extra "dur".
func (s *Span) End(detail string) time.Duration {
	if s == nil {
		return 0
	}
	elapsed := time.Since(s.started)
	if s.head.SpanID == 0 || !s.tracer.Enabled() {
		return elapsed
	}
	if s.extra == nil {
		s.extra = make(map[string]string, 1)
	}
	s.extra["dur"] = elapsed.Round(time.Microsecond).String()

	end := s.head
	end.Time = time.Now()
	end.Seq = NextSeq()
	end.Kind = KindSpanEnd
	end.Detail = detail
	end.Extra = s.extra
	s.tracer.Emit(&end)
	return elapsed
}

// WithExtra records key=value on the end event.
func (s *Span) WithExtra(key, value string) *Span {
	if s == nil || s.head.SpanID == 0 {
		return s
	}
	if s.extra == nil {
		s.extra = make(map[string]string)
	}
	s.extra[key] = value
	return s
}

// ID returns the span ID, 0 for an inert span.
func (s *Span) ID() uint64 {
	if s == nil {
		return 0
	}
	return s.head.SpanID
}

// Point emits an instant event under parent.
func Point(t Tracer, scope Scope, name, detail string, parent uint64) {
	if !wants(t, scope) {
		return
	}
	t.Emit(&Event{
		Time:     time.Now(),
		Seq:      NextSeq(),
		Kind:     KindPoint,
		Scope:    scope,
		ParentID: parent,
		Name:     name,
		Detail:   detail,
	})
}
