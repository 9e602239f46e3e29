// Package observ collects wall-clock timings of CLI phases.
package observ

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// Timer records laps in the order they were started. It is safe for
// concurrent use.
type Timer struct {
	mu   sync.Mutex
	laps []*Lap
}

// Lap is one timed phase. A lap that was never stopped reports zero.
type Lap struct {
	timer   *Timer
	name    string
	started time.Time
	elapsed time.Duration
	events  int64
	note    string
}

func NewTimer() *Timer { return &Timer{} }

// Start opens a lap named name.
func (t *Timer) Start(name string) *Lap {
	lap := &Lap{timer: t, name: name, started: time.Now()}
	t.mu.Lock()
	t.laps = append(t.laps, lap)
	t.mu.Unlock()
	return lap
}

// Stop closes the lap, recording how many events it handled and a free-form
// note. Only the first Stop counts.
func (l *Lap) Stop(events int64, note string) {
	if l == nil {
		return
	}
	l.timer.mu.Lock()
	defer l.timer.mu.Unlock()
	if l.elapsed != 0 {
		return
	}
	l.elapsed = max(time.Since(l.started), time.Nanosecond)
	l.events = events
	l.note = note
}

// PhaseReport is the serializable form of a Lap.
type PhaseReport struct {
	Name         string  `json:"name"`
	DurationMS   float64 `json:"duration_ms"`
	Events       int64   `json:"events,omitempty"`
	EventsPerSec float64 `json:"events_per_sec,omitempty"`
	Note         string  `json:"note,omitempty"`
}

type Report struct {
	TotalMS float64       `json:"total_ms"`
	Phases  []PhaseReport `json:"phases"`
}

func millis(d time.Duration) float64 { return d.Seconds() * 1e3 }

// Report snapshots every lap. TotalMS sums the laps, so overlapping laps are
// counted twice.
func (t *Timer) Report() Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	var r Report
	var total time.Duration
	for _, lap := range t.laps {
		total += lap.elapsed
		pr := PhaseReport{
			Name:       lap.name,
			DurationMS: millis(lap.elapsed),
			Events:     lap.events,
			Note:       lap.note,
		}
		if lap.events > 0 && lap.elapsed > 0 {
			pr.EventsPerSec = float64(lap.events) / lap.elapsed.Seconds()
		}
		r.Phases = append(r.Phases, pr)
	}
	r.TotalMS = millis(total)
	return r
}

// WriteSummary prints one aligned row per lap and a total. Nothing is written
// when no lap was started.
func (t *Timer) WriteSummary(w io.Writer) error {
	r := t.Report()
	if len(r.Phases) == 0 {
		return nil
	}
	rows := make([]string, 0, len(r.Phases)+2)
	rows = append(rows, "timings:")
	for _, p := range r.Phases {
		row := fmt.Sprintf("  %-12s %10.2f ms", p.Name, p.DurationMS)
		if p.Events > 0 {
			row += fmt.Sprintf(" %9d ev %11.0f ev/s", p.Events, p.EventsPerSec)
		}
		if p.Note != "" {
			row += "  (" + p.Note + ")"
		}
		rows = append(rows, row)
	}
	rows = append(rows, fmt.Sprintf("  %-12s %10.2f ms", "total", r.TotalMS))
	for _, row := range rows {
		if _, err := fmt.Fprintln(w, row); err != nil {
			return err
		}
	}
	return nil
}
