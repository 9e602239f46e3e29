package timeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"timeline/internal/event"
	"timeline/internal/storage"
	"timeline/internal/trace"
)

// RestrictToRange keeps only the events with start <= timestamp <= end.
// The manager is cleared and rebuilt around the retained events: feature
// initializers run, every retained event is replayed through its feature
// loader, the bounds are recomputed from the retained timestamps and the
// finalizers run. Notes outside the range are dropped.
//
// If the rebuild fails the manager is left empty, as after a failed load.
// A failure while collecting the events leaves it untouched.
func (m *Manager) RestrictToRange(start, end int64) error {
	r := event.Range{Start: start, End: end}
	if !r.Valid() {
		return fmt.Errorf("%w: start %d > end %d", ErrInvalidRange, start, end)
	}
	if err := m.acquire("restrict"); err != nil {
		return err
	}
	defer m.release()

	ctx, span := trace.Start(m.traceContext(), trace.ScopeOperation, "restrict")
	span.WithExtra("range", r.String())
	err := m.restrict(ctx, r)
	span.WithExtra("events", strconv.Itoa(m.NumEvents())).End(errDetail(err))
	if err != nil {
		m.logger.Error("restrict failed", "op", "restrict", "range", r.String(), "err", err)
		return err
	}
	m.logger.Debug("restricted", "op", "restrict", "range", r.String(),
		"events", m.NumEvents(), "types", m.NumEventTypes())
	return nil
}

func (m *Manager) restrict(ctx context.Context, r event.Range) error {
	types := m.store.Types()
	var kept []event.Event
	if err := m.store.ForEachEvent(ctx, func(ev event.Event) error {
		if r.Contains(ev.Timestamp) {
			kept = append(kept, ev)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("collect events: %w", err)
	}

	notes := m.NotesModel()
	if notes != nil {
		notes.Stash()
	}
	if err := m.rebuild(ctx, types, kept); err != nil {
		return errors.Join(err, m.discard(ctx))
	}
	if notes != nil {
		notes.Restore(r)
	}
	return nil
}

func (m *Manager) rebuild(ctx context.Context, types []event.Type, kept []event.Event) error {
	if err := m.clear(ctx); err != nil {
		return err
	}
	if err := m.initialize(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	for _, t := range types {
		if _, _, err := m.addTypeLocked(t); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("restore type %d: %w", t.ID, err)
		}
	}
	m.mu.Unlock()

	dispatch := m.dispatcher()
	byID := make(map[event.TypeID]event.Type, len(types))
	for _, t := range types {
		byID[t.ID] = t
	}
	for _, ev := range kept {
		if err := m.store.AppendEvent(ev); err != nil {
			return err
		}
		t, ok := byID[ev.TypeID]
		if !ok {
			return fmt.Errorf("event at %d: %w: %d", ev.Timestamp, storage.ErrTypeNotFound, ev.TypeID)
		}
		if err := dispatch(ev, t); err != nil {
			return err
		}
		m.DecreaseTraceStart(ev.Timestamp)
		m.IncreaseTraceEnd(ev.Timestamp)
	}

	return m.finalize(ctx)
}
