// Package event defines the data model shared by the trace store, its storage
// strategies and the trace-file formats.
//
// An Event is a single recorded occurrence on the trace timeline. It refers to
// a Type by numeric id; the Type names the Feature that owns it. Features are
// bit positions in a 64-bit FeatureMask.
package event

import (
	"golang.org/x/text/unicode/norm"
)

// TypeID identifies a Type inside one trace.
type TypeID int32

// NoType asks the storage to assign the next free id when a Type is added.
const NoType TypeID = -1

// Event represents a single trace event.
type Event struct {
	Timestamp int64  // trace-relative, monotonic clock
	TypeID    TypeID // reference into the type table
	Payload   []byte // feature-specific data, opaque to the store
}

// Clone returns a copy of e that does not share the payload buffer.
func (e Event) Clone() Event {
	if e.Payload != nil {
		p := make([]byte, len(e.Payload))
		copy(p, e.Payload)
		e.Payload = p
	}
	return e
}

// Type describes a category of events.
type Type struct {
	ID          TypeID
	Feature     Feature
	DisplayName string
	Detail      string
}

// Normalize returns t with its text fields in Unicode NFC.
func (t Type) Normalize() Type {
	t.DisplayName = norm.NFC.String(t.DisplayName)
	t.Detail = norm.NFC.String(t.Detail)
	return t
}
