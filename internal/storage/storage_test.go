package storage

import (
	"context"
	"errors"
	"os"
	"testing"

	"timeline/internal/event"
)

func openStorages(t *testing.T) map[string]Storage {
	t.Helper()
	stash, err := OpenPebble(t.TempDir())
	if err != nil {
		t.Fatalf("OpenPebble: %v", err)
	}
	t.Cleanup(func() { _ = stash.Close() })
	return map[string]Storage{
		"memory": NewMemory(),
		"pebble": stash,
	}
}

func collect(t *testing.T, s Storage) []event.Event {
	t.Helper()
	var out []event.Event
	if err := s.ForEachEvent(context.Background(), func(ev event.Event) error {
		out = append(out, ev)
		return nil
	}); err != nil {
		t.Fatalf("ForEachEvent: %v", err)
	}
	return out
}

func TestStorageAppendAndCount(t *testing.T) {
	for name, s := range openStorages(t) {
		t.Run(name, func(t *testing.T) {
			id, err := s.AppendType(event.Type{ID: event.NoType, Feature: 1, DisplayName: "tick"})
			if err != nil {
				t.Fatalf("AppendType: %v", err)
			}
			if id != 0 {
				t.Fatalf("AppendType() id = %d, want 0", id)
			}
			for i := 0; i < 2500; i++ {
				if err := s.AppendEvent(event.Event{Timestamp: int64(i), TypeID: id, Payload: []byte{byte(i)}}); err != nil {
					t.Fatalf("AppendEvent(%d): %v", i, err)
				}
			}
			if got := s.NumEvents(); got != 2500 {
				t.Fatalf("NumEvents() = %d, want 2500", got)
			}
			events := collect(t, s)
			if len(events) != 2500 {
				t.Fatalf("visited %d events, want 2500", len(events))
			}
			for i, ev := range events {
				if ev.Timestamp != int64(i) {
					t.Fatalf("event %d timestamp = %d, want storage order", i, ev.Timestamp)
				}
			}
			if events[7].Payload[0] != 7 {
				t.Fatalf("payload = %v, want [7]", events[7].Payload)
			}
		})
	}
}

func TestStorageTypeIDs(t *testing.T) {
	for name, s := range openStorages(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.AppendType(event.Type{ID: 5, DisplayName: "explicit"}); err != nil {
				t.Fatalf("AppendType(5): %v", err)
			}
			id, err := s.AppendType(event.Type{ID: event.NoType, DisplayName: "assigned"})
			if err != nil {
				t.Fatalf("AppendType(NoType): %v", err)
			}
			if id != 6 {
				t.Fatalf("assigned id = %d, want 6", id)
			}
			if _, err := s.AppendType(event.Type{ID: 5}); !errors.Is(err, ErrDuplicateType) {
				t.Fatalf("duplicate AppendType err = %v, want ErrDuplicateType", err)
			}
			if _, err := s.AppendType(event.Type{ID: -7}); !errors.Is(err, ErrInvalidTypeID) {
				t.Fatalf("negative AppendType err = %v, want ErrInvalidTypeID", err)
			}
			if _, err := s.LookupType(42); !errors.Is(err, ErrTypeNotFound) {
				t.Fatalf("LookupType(42) err = %v, want ErrTypeNotFound", err)
			}
			ty, err := s.LookupType(5)
			if err != nil || ty.DisplayName != "explicit" {
				t.Fatalf("LookupType(5) = %+v, %v", ty, err)
			}
			types := s.Types()
			if len(types) != 2 || types[0].ID != 5 || types[1].ID != 6 {
				t.Fatalf("Types() = %+v, want ids [5 6]", types)
			}
		})
	}
}

func TestStorageClearIndependently(t *testing.T) {
	for name, s := range openStorages(t) {
		t.Run(name, func(t *testing.T) {
			id, _ := s.AppendType(event.Type{ID: event.NoType})
			_ = s.AppendEvent(event.Event{Timestamp: 1, TypeID: id})

			if err := s.ClearEvents(); err != nil {
				t.Fatalf("ClearEvents: %v", err)
			}
			if s.NumEvents() != 0 || s.NumTypes() != 1 {
				t.Fatalf("after ClearEvents: events=%d types=%d, want 0/1", s.NumEvents(), s.NumTypes())
			}
			if got := len(collect(t, s)); got != 0 {
				t.Fatalf("visited %d events after ClearEvents", got)
			}

			_ = s.AppendEvent(event.Event{Timestamp: 2, TypeID: id})
			if err := s.ClearTypes(); err != nil {
				t.Fatalf("ClearTypes: %v", err)
			}
			if s.NumEvents() != 1 || s.NumTypes() != 0 {
				t.Fatalf("after ClearTypes: events=%d types=%d, want 1/0", s.NumEvents(), s.NumTypes())
			}
		})
	}
}

func TestStorageForEachEventCanceled(t *testing.T) {
	for name, s := range openStorages(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 10; i++ {
				_ = s.AppendEvent(event.Event{Timestamp: int64(i)})
			}
			ctx, cancel := context.WithCancel(context.Background())
			visited := 0
			err := s.ForEachEvent(ctx, func(event.Event) error {
				visited++
				if visited == 3 {
					cancel()
				}
				return nil
			})
			if !errors.Is(err, context.Canceled) {
				t.Fatalf("ForEachEvent err = %v, want context.Canceled", err)
			}
			if visited != 3 {
				t.Fatalf("visited %d events, want 3", visited)
			}
		})
	}
}

func TestPebbleTemporaryDir(t *testing.T) {
	s, err := OpenPebble("")
	if err != nil {
		t.Fatalf("OpenPebble: %v", err)
	}
	dir := s.Dir()
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.AppendEvent(event.Event{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("AppendEvent after Close err = %v, want ErrClosed", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("temporary stash dir %s still exists after Close (err=%v)", dir, err)
	}
}
