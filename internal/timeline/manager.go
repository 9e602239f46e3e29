// Package timeline implements the trace manager: an append-only,
// range-queryable store of trace events and event types with per-feature
// loader callbacks, range restriction and asynchronous save/load.
//
// A Manager is populated either live (Initialize, AddEventType/AddEvent,
// Finalize) or from a trace file (Load). Live ingestion only stores events;
// feature loaders see events when they are replayed, which happens during
// Load, RestrictToRange and explicit Replay calls.
//
// Observers subscribe to Notifications. Sinks and feature callbacks never
// run with the manager lock held, so they may call read-only accessors.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"timeline/internal/event"
	"timeline/internal/storage"
	"timeline/internal/task"
	"timeline/internal/trace"
	"timeline/internal/tracefile"
)

var (
	// ErrBusy is returned while a save, load or restriction is in progress.
	ErrBusy = errors.New("trace manager busy")
	// ErrNotAccepting is returned by AddEvent and AddEventType outside Initialize/Finalize.
	ErrNotAccepting = errors.New("trace manager not accepting events")
	// ErrInitialization wraps the failure of a feature initializer.
	ErrInitialization = errors.New("initialization failed")
	// ErrInvalidRegistration is returned for an empty mask or a missing loader.
	ErrInvalidRegistration = errors.New("invalid feature registration")
	// ErrFeatureRegistered is returned when a feature bit already has callbacks.
	ErrFeatureRegistered = errors.New("feature already registered")
	// ErrInvalidRange is returned by RestrictToRange when start > end.
	ErrInvalidRange = errors.New("invalid range")
)

// NotesModel is the notes collaborator. The manager holds a reference to it
// and never closes it.
type NotesModel interface {
	// Clear drops the current notes.
	Clear()
	// Stash sets the current notes aside before a range restriction.
	Stash()
	// Restore brings back stashed notes that lie inside r.
	Restore(r event.Range)
	// DropStash forgets stashed notes after a failed restriction.
	DropStash()
}

// Opener returns the trace file for a path.
type Opener func(path string) (tracefile.File, error)

// Option configures a Manager.
type Option func(*Manager)

// WithStorage replaces the default in-memory storage. The manager takes
// ownership and closes it in Close.
func WithStorage(s storage.Storage) Option {
	return func(m *Manager) {
		if s != nil {
			m.store = s
		}
	}
}

// WithOpener replaces tracefile.Open.
func WithOpener(open Opener) Option {
	return func(m *Manager) {
		if open != nil {
			m.open = open
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithTracer sets the tracer used for operation spans.
func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) {
		if t != nil {
			m.tracer = t
		}
	}
}

// WithProgressSink forwards save/load progress to sink.
func WithProgressSink(sink task.ProgressSink) Option {
	return func(m *Manager) { m.progress = sink }
}

// WithProgressRate limits forwarded progress updates per second.
func WithProgressRate(perSecond float64) Option {
	return func(m *Manager) { m.progressRate = perSecond }
}

// Manager is the trace event store.
type Manager struct {
	store        storage.Storage
	open         Opener
	logger       *slog.Logger
	tracer       trace.Tracer
	progress     task.ProgressSink
	progressRate float64

	mu sync.Mutex

	regs      []*registration
	byFeature [event.MaxFeature]*registration

	start, end int64
	hasBounds  bool

	available event.FeatureMask
	visible   event.FeatureMask
	recorded  event.FeatureMask
	aggregate bool

	accepting bool
	busy      string

	subs    []subscription
	nextSub uint64

	notes NotesModel
}

// New creates an empty manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		store:  storage.NewMemory(),
		open:   tracefile.Open,
		logger: slog.New(slog.DiscardHandler),
		tracer: trace.Nop,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// acquire marks the manager busy with op or fails with ErrBusy.
func (m *Manager) acquire(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.busy != "" {
		return fmt.Errorf("%w: %s in progress", ErrBusy, m.busy)
	}
	m.busy = op
	return nil
}

func (m *Manager) release() {
	m.mu.Lock()
	m.busy = ""
	m.mu.Unlock()
}

// Busy returns the name of the running operation, or "" when idle.
func (m *Manager) Busy() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.busy
}

// Close releases the storage.
func (m *Manager) Close() error {
	if err := m.acquire("close"); err != nil {
		return err
	}
	defer m.release()
	return m.store.Close()
}

// TraceStart returns the earliest timestamp of the trace, or -1 when unset.
func (m *Manager) TraceStart() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasBounds {
		return -1
	}
	return m.start
}

// TraceEnd returns the latest timestamp of the trace, or -1 when unset.
func (m *Manager) TraceEnd() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasBounds {
		return -1
	}
	return m.end
}

// TraceDuration returns TraceEnd - TraceStart, or 0 when unset.
func (m *Manager) TraceDuration() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasBounds {
		return 0
	}
	return m.end - m.start
}

// TraceBounds returns the bounds and whether they are set.
func (m *Manager) TraceBounds() (event.Range, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return event.Range{Start: m.start, End: m.end}, m.hasBounds
}

// DecreaseTraceStart moves the start back to ts if ts is earlier.
// The first call on an unset trace sets both bounds to ts.
func (m *Manager) DecreaseTraceStart(ts int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasBounds {
		m.start, m.end, m.hasBounds = ts, ts, true
		return
	}
	if ts < m.start {
		m.start = ts
	}
}

// IncreaseTraceEnd moves the end forward to ts if ts is later.
// The first call on an unset trace sets both bounds to ts.
func (m *Manager) IncreaseTraceEnd(ts int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasBounds {
		m.start, m.end, m.hasBounds = ts, ts, true
		return
	}
	if ts > m.end {
		m.end = ts
	}
}

func (m *Manager) resetBoundsLocked() {
	m.start, m.end, m.hasBounds = 0, 0, false
}

// AddEvent appends ev. Bounds are not widened; producers call
// DecreaseTraceStart/IncreaseTraceEnd themselves.
func (m *Manager) AddEvent(ev event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.busy != "" {
		return fmt.Errorf("%w: %s in progress", ErrBusy, m.busy)
	}
	if !m.accepting {
		return ErrNotAccepting
	}
	return m.store.AppendEvent(ev)
}

// AddEventType records t and returns its id; event.NoType asks for the next free id.
func (m *Manager) AddEventType(t event.Type) (event.TypeID, error) {
	m.mu.Lock()
	if m.busy != "" {
		busy := m.busy
		m.mu.Unlock()
		return event.NoType, fmt.Errorf("%w: %s in progress", ErrBusy, busy)
	}
	if !m.accepting {
		m.mu.Unlock()
		return event.NoType, ErrNotAccepting
	}
	id, n, err := m.addTypeLocked(t)
	m.mu.Unlock()
	m.emit(n...)
	return id, err
}

// addTypeLocked stores t and marks its feature available.
func (m *Manager) addTypeLocked(t event.Type) (event.TypeID, []Notification, error) {
	id, err := m.store.AppendType(t.Normalize())
	if err != nil {
		return event.NoType, nil, err
	}
	if !t.Feature.Valid() || m.available.Has(t.Feature) {
		return id, nil, nil
	}
	m.available = m.available.With(t.Feature)
	return id, []Notification{{Kind: AvailableFeaturesChanged, Features: m.available}}, nil
}

// LookupType returns the type for id or an error wrapping storage.ErrTypeNotFound.
func (m *Manager) LookupType(id event.TypeID) (event.Type, error) {
	return m.store.LookupType(id)
}

// Types returns all event types ordered by id.
func (m *Manager) Types() []event.Type { return m.store.Types() }

// ForEachEvent visits stored events in storage order.
func (m *Manager) ForEachEvent(ctx context.Context, fn func(event.Event) error) error {
	return m.store.ForEachEvent(ctx, fn)
}

// NumEvents returns the number of stored events.
func (m *Manager) NumEvents() int { return m.store.NumEvents() }

// NumEventTypes returns the number of stored types.
func (m *Manager) NumEventTypes() int { return m.store.NumTypes() }

// IsEmpty reports whether no events are stored.
func (m *Manager) IsEmpty() bool { return m.store.NumEvents() == 0 }

// AvailableFeatures returns the features observed in the data.
func (m *Manager) AvailableFeatures() event.FeatureMask {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

// VisibleFeatures returns the features the consumer wants surfaced.
func (m *Manager) VisibleFeatures() event.FeatureMask {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.visible
}

// RecordedFeatures returns the features being recorded.
func (m *Manager) RecordedFeatures() event.FeatureMask {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recorded
}

// AggregateTraces reports the aggregate mode flag.
func (m *Manager) AggregateTraces() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aggregate
}

// SetVisibleFeatures sets the visible features, notifying on change.
func (m *Manager) SetVisibleFeatures(mask event.FeatureMask) {
	m.setMask(&m.visible, mask, VisibleFeaturesChanged)
}

// SetRecordedFeatures sets the recorded features, notifying on change.
func (m *Manager) SetRecordedFeatures(mask event.FeatureMask) {
	m.setMask(&m.recorded, mask, RecordedFeaturesChanged)
}

func (m *Manager) setMask(field *event.FeatureMask, mask event.FeatureMask, kind Kind) {
	m.mu.Lock()
	if *field == mask {
		m.mu.Unlock()
		return
	}
	*field = mask
	m.mu.Unlock()
	m.emit(Notification{Kind: kind, Features: mask})
}

// SetAggregateTraces sets the aggregate mode flag.
func (m *Manager) SetAggregateTraces(aggregate bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aggregate = aggregate
}

// SetNotesModel attaches the notes collaborator; nil detaches it.
func (m *Manager) SetNotesModel(n NotesModel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notes = n
}

// NotesModel returns the attached notes collaborator.
func (m *Manager) NotesModel() NotesModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.notes
}

// traceContext carries the manager's tracer for spans outside an operation.
func (m *Manager) traceContext() context.Context {
	return trace.WithTracer(context.Background(), m.tracer)
}
