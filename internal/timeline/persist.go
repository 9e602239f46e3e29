package timeline

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"timeline/internal/event"
	"timeline/internal/task"
	"timeline/internal/trace"
)

// Save writes the trace to path in the background. Types are written before
// events, events in storage order. The operation ends with a SaveFinished
// notification, or with exactly one Error notification and no file left
// behind.
func (m *Manager) Save(path string) (*task.Operation, error) {
	if err := m.acquire("save"); err != nil {
		return nil, err
	}
	return m.launch("save", path, SaveFinished, func(ctx context.Context, op *task.Operation) error {
		f, err := m.open(path)
		if err != nil {
			return err
		}
		phaseCtx, span := trace.Start(ctx, trace.ScopePhase, "write")
		err = f.Write(phaseCtx, m, op)
		span.WithExtra("format", f.Format().String()).End(errDetail(err))
		return err
	}), nil
}

// Load replaces the contents of the manager with the trace at path.
func (m *Manager) Load(path string) (*task.Operation, error) {
	return m.LoadRange(path, event.FullRange)
}

// LoadRange replaces the contents of the manager with the events of the trace
// at path that lie inside r. The manager is cleared, the file is read into
// storage, then initializers run, every event is replayed through its feature
// loader and finalizers run. A failed or canceled load leaves the manager
// empty; failure emits exactly one Error notification, cancellation none.
func (m *Manager) LoadRange(path string, r event.Range) (*task.Operation, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRange, r)
	}
	if err := m.acquire("load"); err != nil {
		return nil, err
	}
	return m.launch("load", path, LoadFinished, func(ctx context.Context, op *task.Operation) error {
		if err := m.clear(ctx); err != nil {
			return err
		}
		f, err := m.open(path)
		if err != nil {
			return err
		}

		readCtx, span := trace.Start(ctx, trace.ScopePhase, "read")
		err = f.Read(readCtx, r, loadSink{m}, op)
		span.WithExtra("format", f.Format().String()).
			WithExtra("events", strconv.Itoa(m.NumEvents())).
			End(errDetail(err))
		if err != nil {
			return err
		}

		if err := m.initialize(ctx); err != nil {
			return err
		}

		done, _ := op.Progress()
		op.SetTotal(done + int64(m.NumEvents()))
		replayCtx, span := trace.Start(ctx, trace.ScopePhase, "replay")
		err = m.replay(replayCtx, event.FullRange, nil, op)
		span.End(errDetail(err))
		if err != nil {
			return err
		}
		return m.finalize(ctx)
	}), nil
}

// launch runs fn as a background operation. The busy guard is already held
// and is released before Done closes and before the final notification.
func (m *Manager) launch(name, path string, finished Kind, fn task.Func) *task.Operation {
	ctx := trace.WithTracer(context.Background(), m.tracer)
	ctx, span := trace.Start(ctx, trace.ScopeOperation, name)
	span.WithExtra("path", path)
	began := time.Now()
	log := m.logger.With("op", name, "path", path)
	log.Debug("operation started")

	return task.Start(ctx, name, fn,
		task.WithProgressSink(m.progress),
		task.WithProgressRate(m.progressRate),
		task.WithOnExit(func(state task.State, err error) {
			if state != task.Finished && finished == LoadFinished {
				if clearErr := m.discard(ctx); clearErr != nil {
					log.Error("clear after failed load", "err", clearErr)
				}
			}
			span.WithExtra("events", strconv.Itoa(m.NumEvents())).End(state.String())
			m.release()

			attrs := []any{"events", m.NumEvents(), "types", m.NumEventTypes(), "elapsed", time.Since(began)}
			switch state {
			case task.Finished:
				log.Info("operation finished", attrs...)
				m.emit(Notification{Kind: finished})
			case task.Canceled:
				log.Info("operation canceled", attrs...)
			default:
				log.Error("operation failed", "err", err)
				m.emit(Notification{Kind: Error, Message: fmt.Sprintf("%s %s: %v", name, path, err)})
			}
		}),
	)
}

// loadSink feeds a file read into storage without the accepting check.
type loadSink struct {
	m *Manager
}

func (s loadSink) AddEventType(t event.Type) (event.TypeID, error) {
	s.m.mu.Lock()
	id, n, err := s.m.addTypeLocked(t)
	s.m.mu.Unlock()
	s.m.emit(n...)
	return id, err
}

func (s loadSink) AddEvent(ev event.Event) error { return s.m.store.AppendEvent(ev) }

func (s loadSink) DecreaseTraceStart(ts int64) { s.m.DecreaseTraceStart(ts) }

func (s loadSink) IncreaseTraceEnd(ts int64) { s.m.IncreaseTraceEnd(ts) }
