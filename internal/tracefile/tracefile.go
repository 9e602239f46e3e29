// Package tracefile reads and writes trace files.
//
// A File streams a trace in a stable order: a header carrying the trace
// bounds and record counts, every event type ordered by id, then the events in
// storage order. Readers deliver types and in-range events into a Sink one at
// a time and poll the context between records, so a long load can be canceled
// promptly.
//
// # Formats
//
//   - FormatMsgpack (.tlt): compact msgpack record stream, the default
//   - FormatNDJSON (.ndjson, .jsonl): one JSON record per line
//   - FormatSQLite (.db, .sqlite): SQLite database with an indexed timestamp column
//
// Writes replace the destination atomically: nothing is left behind when a
// write fails or is canceled.
package tracefile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"timeline/internal/event"
)

var (
	// ErrCorrupt marks input that is not a well-formed trace file.
	ErrCorrupt = errors.New("corrupt trace file")
	// ErrUnknownFormat is returned by ParseFormat.
	ErrUnknownFormat = errors.New("unknown trace file format")
)

// Source is what a File writes.
type Source interface {
	TraceBounds() (event.Range, bool)
	Types() []event.Type
	NumEvents() int
	ForEachEvent(ctx context.Context, fn func(event.Event) error) error
}

// Sink receives what a File reads.
type Sink interface {
	AddEventType(t event.Type) (event.TypeID, error)
	AddEvent(ev event.Event) error
	DecreaseTraceStart(start int64)
	IncreaseTraceEnd(end int64)
}

// Progress receives work accounting; *task.Operation implements it.
type Progress interface {
	SetTotal(n int64)
	Advance(n int64)
}

// File is one trace on disk.
type File interface {
	// Path returns the file location.
	Path() string
	// Format returns the on-disk format.
	Format() Format
	// Write stores src, replacing any existing file.
	Write(ctx context.Context, src Source, p Progress) error
	// Read delivers all types and the events inside r into dst.
	Read(ctx context.Context, r event.Range, dst Sink, p Progress) error
}

// Format identifies an on-disk encoding.
type Format uint8

const (
	FormatAuto    Format = iota // detect from the file extension
	FormatMsgpack               // msgpack record stream
	FormatNDJSON                // newline-delimited JSON
	FormatSQLite                // SQLite database
)

// String returns the string representation of Format.
func (f Format) String() string {
	switch f {
	case FormatAuto:
		return "auto"
	case FormatMsgpack:
		return "msgpack"
	case FormatNDJSON:
		return "ndjson"
	case FormatSQLite:
		return "sqlite"
	default:
		return "unknown"
	}
}

// ParseFormat converts a string to Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return FormatAuto, nil
	case "msgpack", "tlt":
		return FormatMsgpack, nil
	case "ndjson", "jsonl":
		return FormatNDJSON, nil
	case "sqlite", "db":
		return FormatSQLite, nil
	default:
		return FormatAuto, fmt.Errorf("%w: %q (expected: auto|msgpack|ndjson|sqlite)", ErrUnknownFormat, s)
	}
}

// DetectFormat picks a format from the file extension.
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ndjson", ".jsonl":
		return FormatNDJSON
	case ".db", ".sqlite", ".sqlite3":
		return FormatSQLite
	default:
		return FormatMsgpack
	}
}

// Open returns the File for path, choosing the format from its extension.
func Open(path string) (File, error) {
	return OpenFormat(path, FormatAuto)
}

// OpenFormat returns the File for path in the given format.
func OpenFormat(path string, format Format) (File, error) {
	if path == "" {
		return nil, errors.New("tracefile: empty path")
	}
	if format == FormatAuto {
		format = DetectFormat(path)
	}
	switch format {
	case FormatMsgpack:
		return &msgpackFile{path: path}, nil
	case FormatNDJSON:
		return &ndjsonFile{path: path}, nil
	case FormatSQLite:
		return &sqliteFile{path: path}, nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownFormat, format)
	}
}

func corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
}

type nopProgress struct{}

func (nopProgress) SetTotal(int64) {}
func (nopProgress) Advance(int64)  {}

func orNop(p Progress) Progress {
	if p == nil {
		return nopProgress{}
	}
	return p
}

func poll(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// replaceFile runs write against a fresh temp file next to path and renames
// it over path on success. The temp file is removed on any failure.
func replaceFile(path string, write func(tmp string) error) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	if err = write(tmp); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// deliverBounds forwards file bounds clamped to the requested range.
func deliverBounds(dst Sink, bounds event.Range, ok bool, r event.Range) {
	if !ok {
		return
	}
	start, end := r.Clamp(bounds.Start), r.Clamp(bounds.End)
	if start > end {
		return
	}
	dst.DecreaseTraceStart(start)
	dst.IncreaseTraceEnd(end)
}

// typeChecker validates that events only reference types seen earlier in the stream.
type typeChecker map[event.TypeID]struct{}

func (tc typeChecker) add(id event.TypeID) { tc[id] = struct{}{} }

func (tc typeChecker) check(ev event.Event) error {
	if _, ok := tc[ev.TypeID]; !ok {
		return corruptf("event at %d references unknown type %d", ev.Timestamp, ev.TypeID)
	}
	return nil
}
