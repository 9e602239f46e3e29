package timeline

import (
	"context"
	"errors"
	"fmt"

	"timeline/internal/event"
	"timeline/internal/storage"
	"timeline/internal/trace"
	"timeline/internal/tracefile"
)

// Loader consumes one replayed event together with its type.
type Loader func(ev event.Event, t event.Type) error

// Handlers is the callback set of a feature registration. Only Loader is required.
type Handlers struct {
	Loader      Loader
	Initializer func() error
	Finalizer   func() error
	Clearer     func()
}

type registration struct {
	mask event.FeatureMask
	h    Handlers
}

// RegisterFeatures binds every feature in mask to h. Registrations survive
// Clear and ClearAll.
func (m *Manager) RegisterFeatures(mask event.FeatureMask, h Handlers) error {
	if mask == 0 || h.Loader == nil {
		return fmt.Errorf("%w: mask %v", ErrInvalidRegistration, mask)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.busy != "" {
		return fmt.Errorf("%w: %s in progress", ErrBusy, m.busy)
	}
	for _, f := range mask.Features() {
		if m.byFeature[f] != nil {
			return fmt.Errorf("%w: %d", ErrFeatureRegistered, f)
		}
	}
	reg := &registration{mask: mask, h: h}
	m.regs = append(m.regs, reg)
	for _, f := range mask.Features() {
		m.byFeature[f] = reg
	}
	return nil
}

// RegisteredFeatures returns the union of all registered masks.
func (m *Manager) RegisteredFeatures() event.FeatureMask {
	m.mu.Lock()
	defer m.mu.Unlock()
	var mask event.FeatureMask
	for _, reg := range m.regs {
		mask |= reg.mask
	}
	return mask
}

func (m *Manager) registrations() []*registration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*registration, len(m.regs))
	copy(out, m.regs)
	return out
}

// Initialize runs every registered initializer once and starts accepting
// events. If an initializer fails, Clear unwinds the ones that already ran and
// the returned error wraps ErrInitialization.
func (m *Manager) Initialize() error {
	if err := m.acquire("initialize"); err != nil {
		return err
	}
	defer m.release()
	return m.initialize(m.traceContext())
}

func (m *Manager) initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.accepting {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	for _, reg := range m.registrations() {
		if reg.h.Initializer == nil {
			continue
		}
		_, span := trace.Start(ctx, trace.ScopeBatch, "init:"+reg.mask.String())
		err := reg.h.Initializer()
		span.End(errDetail(err))
		if err != nil {
			if clearErr := m.clear(ctx); clearErr != nil {
				m.logger.Error("clear after failed initialization", "err", clearErr)
			}
			return fmt.Errorf("%w: features %v: %w", ErrInitialization, reg.mask, err)
		}
	}

	m.mu.Lock()
	m.accepting = true
	m.mu.Unlock()
	return nil
}

// Finalize runs every registered finalizer once and stops accepting events.
// It does nothing unless the manager is initialized, so repeated calls are harmless.
func (m *Manager) Finalize() error {
	if err := m.acquire("finalize"); err != nil {
		return err
	}
	defer m.release()
	return m.finalize(m.traceContext())
}

func (m *Manager) finalize(ctx context.Context) error {
	m.mu.Lock()
	if !m.accepting {
		m.mu.Unlock()
		return nil
	}
	m.accepting = false
	m.mu.Unlock()

	var errs []error
	for _, reg := range m.registrations() {
		if reg.h.Finalizer == nil {
			continue
		}
		_, span := trace.Start(ctx, trace.ScopeBatch, "finalize:"+reg.mask.String())
		err := reg.h.Finalizer()
		span.End(errDetail(err))
		if err != nil {
			errs = append(errs, fmt.Errorf("finalize features %v: %w", reg.mask, err))
		}
	}
	return errors.Join(errs...)
}

// Clear runs every clearer, drops all events and types, resets the bounds
// and clears the notes model. Registrations and feature bitsets are kept.
func (m *Manager) Clear() error {
	if err := m.acquire("clear"); err != nil {
		return err
	}
	defer m.release()
	return m.clear(m.traceContext())
}

func (m *Manager) clear(ctx context.Context) error {
	for _, reg := range m.registrations() {
		if reg.h.Clearer == nil {
			continue
		}
		_, span := trace.Start(ctx, trace.ScopeBatch, "clear:"+reg.mask.String())
		reg.h.Clearer()
		span.End("")
	}

	m.mu.Lock()
	err := errors.Join(m.store.ClearEvents(), m.store.ClearTypes())
	m.resetBoundsLocked()
	m.accepting = false
	notes := m.notes
	m.mu.Unlock()

	if notes != nil {
		notes.Clear()
	}
	return err
}

// discard empties the manager after a failed load or restriction: storage,
// bounds, notes and stashed notes go, and so do the available features the
// partial rebuild reported. Visible and recorded features are user choices
// and stay.
func (m *Manager) discard(ctx context.Context) error {
	err := m.clear(ctx)

	m.mu.Lock()
	notes := m.notes
	reset := m.available != 0
	m.available = 0
	m.mu.Unlock()

	if notes != nil {
		notes.DropStash()
	}
	if reset {
		m.emit(Notification{Kind: AvailableFeaturesChanged})
	}
	return err
}

// ClearAll is Clear plus a reset of the available, visible and recorded
// features, with one notification per bitset that changed.
func (m *Manager) ClearAll() error {
	if err := m.acquire("clear"); err != nil {
		return err
	}
	defer m.release()

	err := m.clear(m.traceContext())

	var changed []Notification
	m.mu.Lock()
	if m.available != 0 {
		m.available = 0
		changed = append(changed, Notification{Kind: AvailableFeaturesChanged})
	}
	if m.visible != 0 {
		m.visible = 0
		changed = append(changed, Notification{Kind: VisibleFeaturesChanged})
	}
	if m.recorded != 0 {
		m.recorded = 0
		changed = append(changed, Notification{Kind: RecordedFeaturesChanged})
	}
	m.mu.Unlock()

	m.emit(changed...)
	return err
}

// Replay delivers every stored event inside r, with its type, to loader in
// storage order. A nil loader dispatches each event to the loader registered
// for its type's feature; events of unregistered features are skipped.
func (m *Manager) Replay(ctx context.Context, r event.Range, loader Loader) error {
	return m.replay(ctx, r, loader, nil)
}

func (m *Manager) replay(ctx context.Context, r event.Range, loader Loader, p tracefile.Progress) error {
	if loader == nil {
		loader = m.dispatcher()
	}
	types := make(map[event.TypeID]event.Type, m.store.NumTypes())
	for _, t := range m.store.Types() {
		types[t.ID] = t
	}
	return m.store.ForEachEvent(ctx, func(ev event.Event) error {
		if !r.Contains(ev.Timestamp) {
			return nil
		}
		t, ok := types[ev.TypeID]
		if !ok {
			return fmt.Errorf("replay event at %d: %w: %d", ev.Timestamp, storage.ErrTypeNotFound, ev.TypeID)
		}
		if err := loader(ev, t); err != nil {
			return err
		}
		if p != nil {
			p.Advance(1)
		}
		return nil
	})
}

// dispatcher snapshots the feature loaders.
func (m *Manager) dispatcher() Loader {
	var loaders [event.MaxFeature]Loader
	m.mu.Lock()
	for f, reg := range m.byFeature {
		if reg != nil {
			loaders[f] = reg.h.Loader
		}
	}
	m.mu.Unlock()

	return func(ev event.Event, t event.Type) error {
		if !t.Feature.Valid() || loaders[t.Feature] == nil {
			return nil
		}
		return loaders[t.Feature](ev, t)
	}
}

func errDetail(err error) string {
	if err == nil {
		return ""
	}
	return "error: " + err.Error()
}
