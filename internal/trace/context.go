package trace

import "context"

// scopeState is what a context carries for tracing: the tracer and the
// innermost span opened with Start.
type scopeState struct {
	tracer Tracer
	span   uint64
}

type ctxKey struct{}

func stateOf(ctx context.Context) scopeState {
	if ctx != nil {
		if st, ok := ctx.Value(ctxKey{}).(scopeState); ok {
			return st
		}
	}
	return scopeState{tracer: Nop}
}

// FromContext returns the tracer attached to ctx, or Nop.
func FromContext(ctx context.Context) Tracer {
	return stateOf(ctx).tracer
}

// WithTracer attaches t to ctx, keeping the current span. A nil t detaches
// tracing.
func WithTracer(ctx context.Context, t Tracer) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if t == nil {
		t = Nop
	}
	st := stateOf(ctx)
	st.tracer = t
	return context.WithValue(ctx, ctxKey{}, st)
}

// SpanID returns the innermost span opened on ctx, 0 at the root.
func SpanID(ctx context.Context) uint64 {
	return stateOf(ctx).span
}

func withSpan(ctx context.Context, id uint64) context.Context {
	st := stateOf(ctx)
	st.span = id
	return context.WithValue(ctx, ctxKey{}, st)
}
