package event

import (
	"fmt"
	"math"
)

// Range is a time window; both ends are inclusive.
type Range struct {
	Start int64
	End   int64
}

// FullRange covers every representable timestamp.
var FullRange = Range{Start: math.MinInt64, End: math.MaxInt64}

// Valid reports whether Start <= End.
func (r Range) Valid() bool { return r.Start <= r.End }

// Contains reports whether ts lies inside the range.
func (r Range) Contains(ts int64) bool { return ts >= r.Start && ts <= r.End }

// IsFull reports whether r is FullRange.
func (r Range) IsFull() bool { return r == FullRange }

// Clamp limits ts to the range.
func (r Range) Clamp(ts int64) int64 {
	switch {
	case ts < r.Start:
		return r.Start
	case ts > r.End:
		return r.End
	}
	return ts
}

func (r Range) String() string {
	if r.IsFull() {
		return "[*]"
	}
	return fmt.Sprintf("[%d, %d]", r.Start, r.End)
}
