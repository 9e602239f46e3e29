// Package notes keeps user annotations attached to a trace.
//
// Notes live next to the trace in a YAML sidecar (trace.tlt ->
// trace.tlt.notes.yaml). During a range restriction the trace manager stashes
// the notes, clears the model and restores the stashed notes that still lie
// inside the new range.
package notes

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"timeline/internal/event"
)

const sidecarSuffix = ".notes.yaml"

// Current sidecar layout version
const fileVersion = 1

// ErrNoNote is returned by Remove for an index out of range.
var ErrNoNote = errors.New("no such note")

// Note is an annotation at a point (or span) of the timeline.
type Note struct {
	Timestamp int64        `yaml:"timestamp"`
	Duration  int64        `yaml:"duration,omitempty"`
	TypeID    event.TypeID `yaml:"type_id"`
	Text      string       `yaml:"text"`
}

// Span returns the time range the note covers.
func (n Note) Span() event.Range {
	return event.Range{Start: n.Timestamp, End: n.Timestamp + n.Duration}
}

type notesFile struct {
	Version int    `yaml:"version"`
	Notes   []Note `yaml:"notes"`
}

// Model holds the notes of one trace. It is safe for concurrent use.
type Model struct {
	mu       sync.Mutex
	notes    []Note
	stash    []Note
	modified bool
}

// New creates an empty model.
func New() *Model { return &Model{} }

// SidecarPath returns the notes file that belongs to tracePath.
func SidecarPath(tracePath string) string {
	return tracePath + sidecarSuffix
}

// Add inserts n ordered by timestamp and returns its index.
func (m *Model) Add(n Note) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := sort.Search(len(m.notes), func(i int) bool { return m.notes[i].Timestamp > n.Timestamp })
	m.notes = append(m.notes, Note{})
	copy(m.notes[i+1:], m.notes[i:])
	m.notes[i] = n
	m.modified = true
	return i
}

// Remove deletes the note at index i.
func (m *Model) Remove(i int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.notes) {
		return fmt.Errorf("%w: %d", ErrNoNote, i)
	}
	m.notes = append(m.notes[:i], m.notes[i+1:]...)
	m.modified = true
	return nil
}

// Notes returns a copy of the notes in timestamp order.
func (m *Model) Notes() []Note {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Note, len(m.notes))
	copy(out, m.notes)
	return out
}

// Len returns the number of notes.
func (m *Model) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.notes)
}

// Modified reports whether the notes changed since the last Save or Load.
func (m *Model) Modified() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.modified
}

// Clear drops the current notes. Stashed notes are kept.
func (m *Model) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.notes) > 0 {
		m.modified = true
	}
	m.notes = nil
}

// Stash moves the current notes aside.
func (m *Model) Stash() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stash = append(m.stash, m.notes...)
	m.notes = nil
}

// Restore brings back the stashed notes whose timestamp lies inside r and
// empties the stash.
func (m *Model) Restore(r event.Range) {
	m.mu.Lock()
	stash := m.stash
	m.stash = nil
	m.mu.Unlock()

	for _, n := range stash {
		if r.Contains(n.Timestamp) {
			m.Add(n)
		}
	}
}

// DropStash forgets the stashed notes.
func (m *Model) DropStash() {
	m.mu.Lock()
	m.stash = nil
	m.mu.Unlock()
}

// Save writes the notes to path, replacing it atomically.
func (m *Model) Save(path string) error {
	m.mu.Lock()
	data, err := yaml.Marshal(notesFile{Version: fileVersion, Notes: m.notes})
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode notes: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}

	m.mu.Lock()
	m.modified = false
	m.mu.Unlock()
	return nil
}

// Load replaces the notes with the contents of path.
func (m *Model) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var f notesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if f.Version != fileVersion {
		return fmt.Errorf("parse %s: unsupported version %d", path, f.Version)
	}
	sort.SliceStable(f.Notes, func(i, j int) bool { return f.Notes[i].Timestamp < f.Notes[j].Timestamp })

	m.mu.Lock()
	defer m.mu.Unlock()
	m.notes = f.Notes
	m.stash = nil
	m.modified = false
	return nil
}
