package tracefile

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"fortio.org/safecast"
	"github.com/vmihailenco/msgpack/v5"

	"timeline/internal/event"
)

const (
	msgpackMagic = "TLTRACE"
	// Current schema version - increment when the record layout changes
	msgpackSchema uint16 = 1
)

type msgpackHeader struct {
	Magic     string `msgpack:"magic"`
	Schema    uint16 `msgpack:"schema"`
	HasBounds bool   `msgpack:"has_bounds"`
	Start     int64  `msgpack:"start"`
	End       int64  `msgpack:"end"`
	NumTypes  uint32 `msgpack:"types"`
	NumEvents uint64 `msgpack:"events"`
}

type msgpackType struct {
	ID      int32  `msgpack:"id"`
	Feature uint8  `msgpack:"f"`
	Name    string `msgpack:"n"`
	Detail  string `msgpack:"d,omitempty"`
}

type msgpackEvent struct {
	Timestamp int64  `msgpack:"t"`
	TypeID    int32  `msgpack:"y"`
	Payload   []byte `msgpack:"p,omitempty"`
}

type msgpackFile struct {
	path string
}

func (f *msgpackFile) Path() string   { return f.path }
func (f *msgpackFile) Format() Format { return FormatMsgpack }

// Write implements File.
func (f *msgpackFile) Write(ctx context.Context, src Source, p Progress) error {
	p = orNop(p)
	types := src.Types()
	numTypes, err := safecast.Conv[uint32](len(types))
	if err != nil {
		return fmt.Errorf("type count: %w", err)
	}
	numEvents, err := safecast.Conv[uint64](src.NumEvents())
	if err != nil {
		return fmt.Errorf("event count: %w", err)
	}
	bounds, hasBounds := src.TraceBounds()

	return replaceFile(f.path, func(tmp string) error {
		out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}
		defer func() { _ = out.Close() }()

		bw := bufio.NewWriter(out)
		enc := msgpack.NewEncoder(bw)

		if err := enc.Encode(&msgpackHeader{
			Magic:     msgpackMagic,
			Schema:    msgpackSchema,
			HasBounds: hasBounds,
			Start:     bounds.Start,
			End:       bounds.End,
			NumTypes:  numTypes,
			NumEvents: numEvents,
		}); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
		p.SetTotal(int64(len(types)) + int64(numEvents))

		for _, t := range types {
			if err := enc.Encode(&msgpackType{
				ID:      int32(t.ID),
				Feature: uint8(t.Feature),
				Name:    t.DisplayName,
				Detail:  t.Detail,
			}); err != nil {
				return fmt.Errorf("write type %d: %w", t.ID, err)
			}
			p.Advance(1)
		}

		var written uint64
		err = src.ForEachEvent(ctx, func(ev event.Event) error {
			written++
			if err := enc.Encode(&msgpackEvent{
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

// Read implements File.
func (f *msgpackFile) Read(ctx context.Context, r event.Range, dst Sink, p Progress) error {
	p = orNop(p)
	in, err := os.Open(f.path)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	dec := msgpack.NewDecoder(bufio.NewReader(in))

	var hdr msgpackHeader
	if err := dec.Decode(&hdr); err != nil {
		return corruptf("%s: header: %v", f.path, err)
	}
	if hdr.Magic != msgpackMagic {
		return corruptf("%s: bad magic %q", f.path, hdr.Magic)
	}
	if hdr.Schema != msgpackSchema {
		return corruptf("%s: unsupported schema %d", f.path, hdr.Schema)
	}
	total, err := safecast.Conv[int64](uint64(hdr.NumTypes) + hdr.NumEvents)
	if err != nil {
		return corruptf("%s: record count: %v", f.path, err)
	}
	p.SetTotal(total)
	deliverBounds(dst, event.Range{Start: hdr.Start, End: hdr.End}, hdr.HasBounds, r)

	// The header counts are unverified until the records are read.
	known := make(typeChecker)
	for i := uint32(0); i < hdr.NumTypes; i++ {
		if err := poll(ctx); err != nil {
			return err
		}
		var rec msgpackType
		if err := dec.Decode(&rec); err != nil {
			return truncated(f.path, "type", uint64(i), err)
		}
		id, err := dst.AddEventType(event.Type{
			ID:          event.TypeID(rec.ID),
			Feature:     event.Feature(rec.Feature),
			DisplayName: rec.Name,
			Detail:      rec.Detail,
		})
		if err != nil {
			return fmt.Errorf("%s: type %d: %w", f.path, rec.ID, err)
		}
		known.add(id)
		p.Advance(1)
	}

	for i := uint64(0); i < hdr.NumEvents; i++ {
		if err := poll(ctx); err != nil {
			return err
		}
		var rec msgpackEvent
		if err := dec.Decode(&rec); err != nil {
			return truncated(f.path, "event", i, err)
		}
		ev := event.Event{Timestamp: rec.Timestamp, TypeID: event.TypeID(rec.TypeID), Payload: rec.Payload}
		if err := known.check(ev); err != nil {
			return err
		}
		if r.Contains(ev.Timestamp) {
			if err := dst.AddEvent(ev); err != nil {
				return err
			}
		}
		p.Advance(1)
	}
	return nil
}

func truncated(path, what string, index uint64, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return corruptf("%s: truncated at %s %d", path, what, index)
	}
	return corruptf("%s: %s %d: %v", path, what, index, err)
}
