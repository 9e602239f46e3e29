package storage

import (
	"context"
	"sync"

	"timeline/internal/event"
)

// Memory keeps events and types in slices.
type Memory struct {
	mu     sync.RWMutex
	events []event.Event
	types  typeTable
	closed bool
}

// NewMemory creates an empty in-memory storage.
func NewMemory() *Memory {
	return &Memory{}
}

// AppendEvent implements Storage.
func (s *Memory) AppendEvent(ev event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.events = append(s.events, ev.Clone())
	return nil
}

// AppendType implements Storage.
func (s *Memory) AppendType(t event.Type) (event.TypeID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return event.NoType, ErrClosed
	}
	return s.types.add(t)
}

// LookupType implements Storage.
func (s *Memory) LookupType(id event.TypeID) (event.Type, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.types.lookup(id)
}

// Types implements Storage.
func (s *Memory) Types() []event.Type {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.types.sorted()
}

// ForEachEvent implements Storage. The visit runs over a snapshot of the
// event slice, so fn may append to the storage.
func (s *Memory) ForEachEvent(ctx context.Context, fn func(event.Event) error) error {
	s.mu.RLock()
	events := s.events[:len(s.events):len(s.events)]
	s.mu.RUnlock()

	for _, ev := range events {
		if err := poll(ctx); err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

// ClearEvents implements Storage.
func (s *Memory) ClearEvents() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
	return nil
}

// ClearTypes implements Storage.
func (s *Memory) ClearTypes() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.types.reset()
	return nil
}

// NumEvents implements Storage.
func (s *Memory) NumEvents() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// NumTypes implements Storage.
func (s *Memory) NumTypes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.types.types)
}

// Close releases the sequences.
func (s *Memory) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
	s.types.reset()
	s.closed = true
	return nil
}
