package trace

import "time"

// Kind represents the type of trace event.
type Kind uint8

const (
	KindSpanBegin Kind = iota + 1 // span start
	KindSpanEnd                   // span end
	KindPoint                     // instant event
	KindHeartbeat                 // periodic liveness signal
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindSpanBegin:
		return "begin"
	case KindSpanEnd:
		return "end"
	case KindPoint:
		return "point"
	case KindHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// Scope indicates the granularity of an event.
// Lower values are coarser.
type Scope uint8

const (
	ScopeOperation Scope = iota + 1 // save, load, restrict
	ScopePhase                      // read, replay, write inside an operation
	ScopeBatch                      // per-feature initializer/finalizer/clearer calls
)

// String returns the string representation of Scope.
func (s Scope) String() string {
	switch s {
	case ScopeOperation:
		return "operation"
	case ScopePhase:
		return "phase"
	case ScopeBatch:
		return "batch"
	default:
		return "unknown"
	}
}

// Event is a single trace record.
type Event struct {
	Time     time.Time         // wall-clock timestamp
	Seq      uint64            // global sequence number (monotonic)
	Kind     Kind              // event kind
	Scope    Scope             // granularity level
	SpanID   uint64            // unique span identifier
	ParentID uint64            // parent span (0 if root)
	Name     string            // e.g. "load", "replay", "init:{1,5}"
	Detail   string            // optional detail message
	Extra    map[string]string // extensible key-value pairs
}
