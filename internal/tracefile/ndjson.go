package tracefile

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"timeline/internal/event"
)

const ndjsonSchema = 1

// Record kinds
const (
	kindHeader = "header"
	kindType   = "type"
	kindEvent  = "event"
)

// ndjsonRecord is one line of an NDJSON trace.
type ndjsonRecord struct {
	Kind string `json:"kind"`

	// header
	Schema    int   `json:"schema,omitempty"`
	HasBounds bool  `json:"has_bounds,omitempty"`
	Start     int64 `json:"start,omitempty"`
	End       int64 `json:"end,omitempty"`
	NumTypes  int   `json:"types,omitempty"`
	NumEvents int   `json:"events,omitempty"`

	// type
	ID      *int32 `json:"id,omitempty"`
	Feature uint8  `json:"feature,omitempty"`
	Name    string `json:"name,omitempty"`
	Detail  string `json:"detail,omitempty"`

	// event
	Timestamp int64  `json:"ts,omitempty"`
	TypeID    int32  `json:"type,omitempty"`
	Payload   []byte `json:"payload,omitempty"`
}

type ndjsonFile struct {
	path string
}

func (f *ndjsonFile) Path() string   { return f.path }
func (f *ndjsonFile) Format() Format { return FormatNDJSON }

// Write implements File.
func (f *ndjsonFile) Write(ctx context.Context, src Source, p Progress) error {
	p = orNop(p)
	types := src.Types()
	numEvents := src.NumEvents()
	bounds, hasBounds := src.TraceBounds()

	return replaceFile(f.path, func(tmp string) error {
		out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}
		defer func() { _ = out.Close() }()

		bw := bufio.NewWriter(out)
		// json.Encoder terminates every value with a newline.
		enc := json.NewEncoder(bw)

		hdr := ndjsonRecord{
			Kind:      kindHeader,
			Schema:    ndjsonSchema,
			HasBounds: hasBounds,
			NumTypes:  len(types),
			NumEvents: numEvents,
		}
		if hasBounds {
			hdr.Start, hdr.End = bounds.Start, bounds.End
		}
		if err := enc.Encode(&hdr); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
		p.SetTotal(int64(len(types) + numEvents))

		for _, t := range types {
			id := int32(t.ID)
			if err := enc.Encode(&ndjsonRecord{
				Kind:    kindType,
				ID:      &id,
				Feature: uint8(t.Feature),
				Name:    t.DisplayName,
				Detail:  t.Detail,
			}); err != nil {
				return fmt.Errorf("write type %d: %w", t.ID, err)
			}
			p.Advance(1)
		}

		written := 0
		err = src.ForEachEvent(ctx, func(ev event.Event) error {
			written++
			if err := enc.Encode(&ndjsonRecord{
				Kind:      kindEvent,
				Timestamp: ev.Timestamp,
				TypeID:    int32(ev.TypeID),
				Payload:   ev.Payload,
			}); err != nil {
				return fmt.Errorf("write event: %w", err)
			}
			p.Advance(1)
			return nil
		})
		if err != nil {
			return err
		}
		if written != numEvents {
			return fmt.Errorf("event count changed during write: header %d, written %d", numEvents, written)
		}
		if err := bw.Flush(); err != nil {
			return err
		}
		return out.Sync()
	})
}

// Read implements File. Decoding stops at the first corrupt line.
func (f *ndjsonFile) Read(ctx context.Context, r event.Range, dst Sink, p Progress) error {
	p = orNop(p)
	in, err := os.Open(f.path)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	dec := json.NewDecoder(bufio.NewReader(in))
	dec.DisallowUnknownFields()

	var hdr ndjsonRecord
	if err := dec.Decode(&hdr); err != nil {
		return corruptf("%s: header: %v", f.path, err)
	}
	if hdr.Kind != kindHeader {
		return corruptf("%s: first record is %q, want header", f.path, hdr.Kind)
	}
	if hdr.Schema != ndjsonSchema {
		return corruptf("%s: unsupported schema %d", f.path, hdr.Schema)
	}
	total := hdr.NumTypes + hdr.NumEvents
	if hdr.NumTypes < 0 || hdr.NumEvents < 0 || total < 0 {
		return corruptf("%s: bad record counts: %d types, %d events", f.path, hdr.NumTypes, hdr.NumEvents)
	}
	p.SetTotal(int64(total))
	deliverBounds(dst, event.Range{Start: hdr.Start, End: hdr.End}, hdr.HasBounds, r)

	known := make(typeChecker)
	seenTypes, seenEvents := 0, 0
	for line := 2; dec.More(); line++ {
		if err := poll(ctx); err != nil {
			return err
		}
		var rec ndjsonRecord
		if err := dec.Decode(&rec); err != nil {
			return corruptf("%s:%d: %v", f.path, line, err)
		}
		switch rec.Kind {
		case kindType:
			if rec.ID == nil {
				return corruptf("%s:%d: type record without id", f.path, line)
			}
			id, err := dst.AddEventType(event.Type{
				ID:          event.TypeID(*rec.ID),
				Feature:     event.Feature(rec.Feature),
				DisplayName: rec.Name,
				Detail:      rec.Detail,
			})
			if err != nil {
				return fmt.Errorf("%s:%d: %w", f.path, line, err)
			}
			known.add(id)
			seenTypes++
		case kindEvent:
			seenEvents++
			ev := event.Event{Timestamp: rec.Timestamp, TypeID: event.TypeID(rec.TypeID), Payload: rec.Payload}
			if err := known.check(ev); err != nil {
				return fmt.Errorf("%s:%d: %w", f.path, line, err)
			}
			if r.Contains(ev.Timestamp) {
				if err := dst.AddEvent(ev); err != nil {
					return err
				}
			}
		default:
			return corruptf("%s:%d: unknown record kind %q", f.path, line, rec.Kind)
		}
		p.Advance(1)
	}
	if seenTypes != hdr.NumTypes {
		return corruptf("%s: header announces %d types, found %d", f.path, hdr.NumTypes, seenTypes)
	}
	if seenEvents != hdr.NumEvents {
		return corruptf("%s: header announces %d events, found %d", f.path, hdr.NumEvents, seenEvents)
	}
	return nil
}
