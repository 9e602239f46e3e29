package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/vmihailenco/msgpack/v5"

	"timeline/internal/event"
)

// Key prefixes
const (
	eventPrefix = byte(0x01) // event:<seq> -> msgpack record
)

// pebbleFlushEvery bounds the number of events buffered in the write batch.
const pebbleFlushEvery = 1024

// Pebble stashes events in a PebbleDB directory and keeps types in memory.
// The stash is scratch space: its content does not survive Close.
type Pebble struct {
	mu      sync.RWMutex
	db      *pebble.DB
	dir     string
	ownsDir bool
	batch   *pebble.Batch
	pending int
	seq     uint64
	count   int
	types   typeTable
}

type stashedEvent struct {
	Timestamp int64  `msgpack:"t"`
	TypeID    int32  `msgpack:"y"`
	Payload   []byte `msgpack:"p,omitempty"`
}

// OpenPebble opens an event stash in dir. An empty dir creates a temporary
// directory that is removed on Close. Existing events in dir are discarded.
func OpenPebble(dir string) (*Pebble, error) {
	ownsDir := false
	if dir == "" {
		tmp, err := os.MkdirTemp("", "timeline-stash-*")
		if err != nil {
			return nil, fmt.Errorf("create stash dir: %w", err)
		}
		dir = tmp
		ownsDir = true
	}

	opts := &pebble.Options{
		MemTableSize:             32 << 20,
		L0CompactionThreshold:    4,
		MaxConcurrentCompactions: func() int { return 2 },
		// The stash is rebuilt from the trace file after a crash.
		DisableWAL: true,
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		if ownsDir {
			_ = os.RemoveAll(dir)
		}
		return nil, fmt.Errorf("open pebble stash: %w", err)
	}

	s := &Pebble{db: db, dir: dir, ownsDir: ownsDir}
	if err := s.deleteEvents(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func eventKey(seq uint64) []byte {
	key := make([]byte, 9) // 1 byte prefix + 8 bytes sequence
	key[0] = eventPrefix
	binary.BigEndian.PutUint64(key[1:], seq)
	return key
}

// Dir returns the stash directory.
func (s *Pebble) Dir() string { return s.dir }

// AppendEvent implements Storage.
func (s *Pebble) AppendEvent(ev event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}

	data, err := msgpack.Marshal(stashedEvent{
		Timestamp: ev.Timestamp,
		TypeID:    int32(ev.TypeID),
		Payload:   ev.Payload,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if s.batch == nil {
		s.batch = s.db.NewBatch()
	}
	s.seq++
	if err := s.batch.Set(eventKey(s.seq), data, nil); err != nil {
		return fmt.Errorf("batch set: %w", err)
	}
	s.count++
	s.pending++
	if s.pending >= pebbleFlushEvery {
		return s.flushLocked()
	}
	return nil
}

func (s *Pebble) flushLocked() error {
	if s.batch == nil {
		return nil
	}
	err := s.batch.Commit(pebble.NoSync)
	_ = s.batch.Close()
	s.batch = nil
	s.pending = 0
	if err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// AppendType implements Storage.
func (s *Pebble) AppendType(t event.Type) (event.TypeID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return event.NoType, ErrClosed
	}
	return s.types.add(t)
}

// LookupType implements Storage.
func (s *Pebble) LookupType(id event.TypeID) (event.Type, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.types.lookup(id)
}

// Types implements Storage.
func (s *Pebble) Types() []event.Type {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.types.sorted()
}

// ForEachEvent implements Storage. Events appended during the visit are not
// seen by it.
func (s *Pebble) ForEachEvent(ctx context.Context, fn func(event.Event) error) error {
	s.mu.Lock()
	if s.db == nil {
		s.mu.Unlock()
		return ErrClosed
	}
	if err := s.flushLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	upper := eventKey(s.seq + 1)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{eventPrefix},
		UpperBound: upper,
	})
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("create iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := poll(ctx); err != nil {
			return err
		}
		var rec stashedEvent
		if err := msgpack.Unmarshal(iter.Value(), &rec); err != nil {
			return fmt.Errorf("unmarshal event: %w", err)
		}
		if err := fn(event.Event{
			Timestamp: rec.Timestamp,
			TypeID:    event.TypeID(rec.TypeID),
			Payload:   rec.Payload,
		}); err != nil {
			return err
		}
	}
	return iter.Error()
}

// ClearEvents implements Storage.
func (s *Pebble) ClearEvents() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	if s.batch != nil {
		_ = s.batch.Close()
		s.batch = nil
		s.pending = 0
	}
	if err := s.deleteEvents(); err != nil {
		return err
	}
	s.count = 0
	return nil
}

func (s *Pebble) deleteEvents() error {
	if err := s.db.DeleteRange([]byte{eventPrefix}, []byte{eventPrefix + 1}, pebble.NoSync); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	return nil
}

// ClearTypes implements Storage.
func (s *Pebble) ClearTypes() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.types.reset()
	return nil
}

// NumEvents implements Storage.
func (s *Pebble) NumEvents() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// NumTypes implements Storage.
func (s *Pebble) NumTypes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.types.types)
}

// Close closes the database and removes a temporary stash directory.
func (s *Pebble) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	if s.batch != nil {
		_ = s.batch.Close()
		s.batch = nil
	}
	err := s.db.Close()
	s.db = nil
	s.types.reset()
	if s.ownsDir {
		if rmErr := os.RemoveAll(s.dir); rmErr != nil && err == nil {
			err = rmErr
		}
	}
	return err
}
