package trace

import (
	"fmt"
	"strings"
)

// Level controls tracing verbosity.
type Level uint8

const (
	LevelOff       Level = iota // no tracing
	LevelError                  // only ring dumps on failure
	LevelOperation              // save/load/restrict boundaries
	LevelPhase                  // plus read/replay/write phases
	LevelDebug                  // everything
)

// String returns the string representation of Level.
func (l Level) String() string {
	switch l {
	case LevelOff:
		return "off"
	case LevelError:
		return "error"
	case LevelOperation:
		return "operation"
	case LevelPhase:
		return "phase"
	case LevelDebug:
		return "debug"
	default:
		return "unknown"
	}
}

// ParseLevel converts a string to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "off":
		return LevelOff, nil
	case "error":
		return LevelError, nil
	case "operation", "op":
		return LevelOperation, nil
	case "phase":
		return LevelPhase, nil
	case "debug":
		return LevelDebug, nil
	default:
		return LevelOff, fmt.Errorf("invalid trace level: %q (expected: off|error|operation|phase|debug)", s)
	}
}

// ShouldEmit returns true if the given scope should emit at this level.
func (l Level) ShouldEmit(scope Scope) bool {
	switch l {
	case LevelOff, LevelError:
		return false
	case LevelOperation:
		return scope <= ScopeOperation
	case LevelPhase:
		return scope <= ScopePhase
	case LevelDebug:
		return true
	}
	return false
}
