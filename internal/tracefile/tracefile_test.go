package tracefile

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vmihailenco/msgpack/v5"

	"timeline/internal/event"
)

// memTrace is a Source and a Sink.
type memTrace struct {
	types     []event.Type
	events    []event.Event
	bounds    event.Range
	hasBounds bool
}

func (m *memTrace) TraceBounds() (event.Range, bool) { return m.bounds, m.hasBounds }
func (m *memTrace) Types() []event.Type             { return m.types }
func (m *memTrace) NumEvents() int                  { return len(m.events) }

func (m *memTrace) ForEachEvent(ctx context.Context, fn func(event.Event) error) error {
	for _, ev := range m.events {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

func (m *memTrace) AddEventType(t event.Type) (event.TypeID, error) {
	m.types = append(m.types, t)
	return t.ID, nil
}

func (m *memTrace) AddEvent(ev event.Event) error {
	m.events = append(m.events, ev)
	return nil
}

func (m *memTrace) DecreaseTraceStart(start int64) {
	if !m.hasBounds || start < m.bounds.Start {
		m.bounds.Start = start
	}
	if !m.hasBounds {
		m.bounds.End = start
	}
	m.hasBounds = true
}

func (m *memTrace) IncreaseTraceEnd(end int64) {
	if !m.hasBounds || end > m.bounds.End {
		m.bounds.End = end
	}
	if !m.hasBounds {
		m.bounds.Start = end
	}
	m.hasBounds = true
}

type countingProgress struct {
	total, done int64
}

func (p *countingProgress) SetTotal(n int64) { p.total = n }
func (p *countingProgress) Advance(n int64)  { p.done += n }

func sampleTrace() *memTrace {
	m := &memTrace{
		types: []event.Type{
			{ID: 0, Feature: 1, DisplayName: "paint", Detail: "frame"},
			{ID: 3, Feature: 5, DisplayName: "gc"},
		},
		bounds:    event.Range{Start: 100, End: 500},
		hasBounds: true,
	}
	for i := int64(0); i < 5; i++ {
		typeID := event.TypeID(0)
		if i%2 == 1 {
			typeID = 3
		}
		m.events = append(m.events, event.Event{Timestamp: 100 + i*100, TypeID: typeID, Payload: []byte{byte(i)}})
	}
	return m
}

func allFormats() map[string]string {
	return map[string]string{
		"msgpack": "trace.tlt",
		"ndjson":  "trace.ndjson",
		"sqlite":  "trace.db",
	}
}

func TestRoundTrip(t *testing.T) {
	for name, file := range allFormats() {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), file)
			f, err := Open(path)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			if f.Format().String() != name {
				t.Fatalf("Format() = %v, want %s", f.Format(), name)
			}

			src := sampleTrace()
			wp := &countingProgress{}
			if err := f.Write(context.Background(), src, wp); err != nil {
				t.Fatalf("Write: %v", err)
			}
			if wp.total != 7 || wp.done != 7 {
				t.Fatalf("write progress = %d/%d, want 7/7", wp.done, wp.total)
			}

			dst := &memTrace{}
			rp := &countingProgress{}
			if err := f.Read(context.Background(), event.FullRange, dst, rp); err != nil {
				t.Fatalf("Read: %v", err)
			}
			if rp.done != rp.total {
				t.Fatalf("read progress = %d/%d", rp.done, rp.total)
			}
			if len(dst.types) != 2 || dst.types[1].ID != 3 || dst.types[0].Detail != "frame" || dst.types[1].Feature != 5 {
				t.Fatalf("types = %+v", dst.types)
			}
			if len(dst.events) != len(src.events) {
				t.Fatalf("read %d events, want %d", len(dst.events), len(src.events))
			}
			for i, ev := range dst.events {
				want := src.events[i]
				if ev.Timestamp != want.Timestamp || ev.TypeID != want.TypeID || string(ev.Payload) != string(want.Payload) {
					t.Fatalf("event %d = %+v, want %+v", i, ev, want)
				}
			}
			if !dst.hasBounds || dst.bounds != src.bounds {
				t.Fatalf("bounds = %v (%v), want %v", dst.bounds, dst.hasBounds, src.bounds)
			}
		})
	}
}

func TestReadRange(t *testing.T) {
	for name, file := range allFormats() {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), file)
			f, _ := Open(path)
			if err := f.Write(context.Background(), sampleTrace(), nil); err != nil {
				t.Fatalf("Write: %v", err)
			}

			dst := &memTrace{}
			r := event.Range{Start: 200, End: 400}
			if err := f.Read(context.Background(), r, dst, nil); err != nil {
				t.Fatalf("Read: %v", err)
			}
			if len(dst.events) != 3 {
				t.Fatalf("read %d events, want 3", len(dst.events))
			}
			for _, ev := range dst.events {
				if !r.Contains(ev.Timestamp) {
					t.Fatalf("event at %d outside %v", ev.Timestamp, r)
				}
			}
			if len(dst.types) != 2 {
				t.Fatalf("read %d types, want all 2", len(dst.types))
			}
			if dst.bounds != r {
				t.Fatalf("bounds = %v, want clamped %v", dst.bounds, r)
			}
		})
	}
}

func TestReadCorrupt(t *testing.T) {
	for name, file := range allFormats() {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), file)
			garbage := []byte(strings.Repeat("this is not a trace\x00\x01\x02", 64))
			if err := os.WriteFile(path, garbage, 0o600); err != nil {
				t.Fatalf("WriteFile: %v", err)
			}
			f, _ := Open(path)
			err := f.Read(context.Background(), event.FullRange, &memTrace{}, nil)
			if !errors.Is(err, ErrCorrupt) {
				t.Fatalf("Read() = %v, want ErrCorrupt", err)
			}
		})
	}
}

func TestReadBadHeaderCounts(t *testing.T) {
	packed := func(hdr msgpackHeader) []byte {
		hdr.Magic, hdr.Schema = msgpackMagic, msgpackSchema
		data, err := msgpack.Marshal(&hdr)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		return data
	}
	cases := []struct {
		name string
		file string
		data []byte
	}{
		{"msgpack huge type count", "trace.tlt", packed(msgpackHeader{NumTypes: math.MaxUint32})},
		{"msgpack huge event count", "trace.tlt", packed(msgpackHeader{NumEvents: 1 << 62})},
		{"ndjson huge type count", "trace.ndjson", []byte(`{"kind":"header","schema":1,"types":4000000000}` + "\n")},
		{"ndjson negative type count", "trace.ndjson", []byte(`{"kind":"header","schema":1,"types":-1}` + "\n")},
		{"ndjson negative event count", "trace.ndjson", []byte(`{"kind":"header","schema":1,"events":-3}` + "\n")},
		{"ndjson missing types", "trace.ndjson", []byte(`{"kind":"header","schema":1,"types":2}` + "\n")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tc.file)
			if err := os.WriteFile(path, tc.data, 0o600); err != nil {
				t.Fatalf("WriteFile: %v", err)
			}
			f, _ := Open(path)
			dst := &memTrace{}
			if err := f.Read(context.Background(), event.FullRange, dst, nil); !errors.Is(err, ErrCorrupt) {
				t.Fatalf("Read() = %v, want ErrCorrupt", err)
			}
			if len(dst.types) != 0 || len(dst.events) != 0 {
				t.Fatalf("Read() delivered %d types, %d events", len(dst.types), len(dst.events))
			}
		})
	}
}

func TestReadTruncated(t *testing.T) {
	for _, file := range []string{"trace.tlt", "trace.ndjson"} {
		t.Run(file, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), file)
			f, _ := Open(path)
			if err := f.Write(context.Background(), sampleTrace(), nil); err != nil {
				t.Fatalf("Write: %v", err)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				t.Fatalf("ReadFile: %v", err)
			}
			if err := os.WriteFile(path, data[:len(data)-8], 0o600); err != nil {
				t.Fatalf("WriteFile: %v", err)
			}
			dst := &memTrace{}
			if err := f.Read(context.Background(), event.FullRange, dst, nil); !errors.Is(err, ErrCorrupt) {
				t.Fatalf("Read() = %v, want ErrCorrupt", err)
			}
		})
	}
}

func TestReadUnknownTypeReference(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.ndjson")
	data := `{"kind":"header","schema":1,"types":0,"events":1}
{"kind":"event","ts":5,"type":9}
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	f, _ := Open(path)
	if err := f.Read(context.Background(), event.FullRange, &memTrace{}, nil); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Read() = %v, want ErrCorrupt", err)
	}
}

func TestReadMissingFile(t *testing.T) {
	for name, file := range allFormats() {
		t.Run(name, func(t *testing.T) {
			f, _ := Open(filepath.Join(t.TempDir(), file))
			err := f.Read(context.Background(), event.FullRange, &memTrace{}, nil)
			if !errors.Is(err, os.ErrNotExist) {
				t.Fatalf("Read() = %v, want ErrNotExist", err)
			}
		})
	}
}

func TestWriteCanceledLeavesNothing(t *testing.T) {
	for name, file := range allFormats() {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			f, _ := Open(filepath.Join(dir, file))
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			if err := f.Write(ctx, sampleTrace(), nil); !errors.Is(err, context.Canceled) {
				t.Fatalf("Write() = %v, want context.Canceled", err)
			}
			entries, err := os.ReadDir(dir)
			if err != nil {
				t.Fatalf("ReadDir: %v", err)
			}
			if len(entries) != 0 {
				t.Fatalf("directory has %d entries after canceled write, want 0", len(entries))
			}
		})
	}
}

func TestReadCanceled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.tlt")
	f, _ := Open(path)
	if err := f.Write(context.Background(), sampleTrace(), nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	dst := &cancelingSink{memTrace: &memTrace{}, after: 2, cancel: cancel}
	if err := f.Read(ctx, event.FullRange, dst, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("Read() = %v, want context.Canceled", err)
	}
	if len(dst.events) != 2 {
		t.Fatalf("delivered %d events, want 2", len(dst.events))
	}
}

type cancelingSink struct {
	*memTrace
	after  int
	cancel context.CancelFunc
}

func (s *cancelingSink) AddEvent(ev event.Event) error {
	if err := s.memTrace.AddEvent(ev); err != nil {
		return err
	}
	if len(s.events) == s.after {
		s.cancel()
	}
	return nil
}

func TestParseFormat(t *testing.T) {
	cases := []struct {
		in   string
		want Format
	}{
		{"", FormatAuto},
		{"msgpack", FormatMsgpack},
		{"NDJSON", FormatNDJSON},
		{"sqlite", FormatSQLite},
	}
	for _, tc := range cases {
		got, err := ParseFormat(tc.in)
		if err != nil || got != tc.want {
			t.Fatalf("ParseFormat(%q) = %v, %v, want %v", tc.in, got, err, tc.want)
		}
	}
	if _, err := ParseFormat("xml"); !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("ParseFormat(xml) err = %v, want ErrUnknownFormat", err)
	}
	if got := DetectFormat("a/b/trace.SQLITE"); got != FormatSQLite {
		t.Fatalf("DetectFormat = %v, want sqlite", got)
	}
}
