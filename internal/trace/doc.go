// Package trace instruments timeline manager operations.
//
// Every save, load and range restriction opens a span, and so does each
// phase inside it (read, replay, write) and each per-feature batch of
// callbacks. Spans are emitted to a Tracer chosen on the command line.
//
// # Usage
//
//	timeline convert --trace=- --trace-level=phase in.tlt out.ndjson
//
// # Tracers
//
//   - Nop: zero-overhead tracer when disabled
//   - StreamTracer: buffered write to a file or stderr (text or NDJSON)
//   - RingTracer: circular buffer, dumped when an operation fails
//   - LogTracer: structured records through log/slog
//   - Tee: fan-out to several tracers
//
// # Levels
//
//   - LevelOff: no tracing
//   - LevelError: ring dumps only
//   - LevelOperation: save, load and restrict
//   - LevelPhase: read, replay and write phases
//   - LevelDebug: everything including per-feature batches
//
// # Context Propagation
//
//	ctx = trace.WithTracer(ctx, tracer)
//	ctx, span := trace.Start(ctx, trace.ScopePhase, "replay")
//	defer span.End("")
//
// Spans started from ctx become children of the span ctx carries.
package trace
