// Package storage holds the event and type sequences of a trace.
//
// Storage is a strategy: Memory keeps everything in slices, Pebble stashes the
// event volume in an on-disk LSM store while keeping the small type table in
// memory. Events and types are cleared independently so a strategy can keep
// type metadata while discarding events, or the other way around.
//
// Implementations are safe for concurrent use.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"fortio.org/safecast"

	"timeline/internal/event"
)

var (
	// ErrTypeNotFound is returned by LookupType for ids that were never added.
	ErrTypeNotFound = errors.New("event type not found")
	// ErrDuplicateType is returned when an explicit type id is already in use.
	ErrDuplicateType = errors.New("duplicate event type id")
	// ErrInvalidTypeID is returned for negative ids other than event.NoType.
	ErrInvalidTypeID = errors.New("invalid event type id")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("storage closed")
)

// Storage owns the append-only event and type sequences of one trace.
type Storage interface {
	// AppendEvent adds an event in call order.
	AppendEvent(ev event.Event) error
	// AppendType records a type and returns its id, assigning one for event.NoType.
	AppendType(t event.Type) (event.TypeID, error)
	// LookupType returns the type registered under id or an error wrapping ErrTypeNotFound.
	LookupType(id event.TypeID) (event.Type, error)
	// Types returns all types ordered by id.
	Types() []event.Type
	// ForEachEvent visits events in storage order, polling ctx between events.
	ForEachEvent(ctx context.Context, fn func(event.Event) error) error
	ClearEvents() error
	ClearTypes() error
	NumEvents() int
	NumTypes() int
	Close() error
}

// typeTable is the type half of a storage; callers hold the owning lock.
type typeTable struct {
	types []event.Type
	index map[event.TypeID]int
	next  event.TypeID
}

func (tt *typeTable) add(t event.Type) (event.TypeID, error) {
	if tt.index == nil {
		tt.index = make(map[event.TypeID]int)
	}
	switch {
	case t.ID == event.NoType:
		id, err := safecast.Conv[int32](int64(tt.next))
		if err != nil {
			return event.NoType, fmt.Errorf("assign type id: %w", err)
		}
		t.ID = event.TypeID(id)
	case t.ID < 0:
		return event.NoType, fmt.Errorf("%w: %d", ErrInvalidTypeID, t.ID)
	default:
		if _, exists := tt.index[t.ID]; exists {
			return event.NoType, fmt.Errorf("%w: %d", ErrDuplicateType, t.ID)
		}
	}
	tt.index[t.ID] = len(tt.types)
	tt.types = append(tt.types, t)
	if t.ID >= tt.next {
		tt.next = t.ID + 1
	}
	return t.ID, nil
}

func (tt *typeTable) lookup(id event.TypeID) (event.Type, error) {
	i, ok := tt.index[id]
	if !ok {
		return event.Type{}, fmt.Errorf("%w: %d", ErrTypeNotFound, id)
	}
	return tt.types[i], nil
}

func (tt *typeTable) sorted() []event.Type {
	out := make([]event.Type, len(tt.types))
	copy(out, tt.types)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (tt *typeTable) reset() {
	tt.types = nil
	tt.index = nil
	tt.next = 0
}

// poll reports ctx cancellation without blocking.
func poll(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
