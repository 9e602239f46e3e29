package observ

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestTimerReport(t *testing.T) {
	timer := NewTimer()
	load := timer.Start("load")
	time.Sleep(2 * time.Millisecond)
	load.Stop(500, "trace.tlt")
	load.Stop(1, "again")
	timer.Start("save").Stop(0, "")
	var nilLap *Lap
	nilLap.Stop(1, "ignored")

	report := timer.Report()
	if len(report.Phases) != 2 {
		t.Fatalf("len(Phases) = %d, want 2", len(report.Phases))
	}
	p := report.Phases[0]
	if p.Events != 500 || p.EventsPerSec <= 0 || p.Note != "trace.tlt" || p.DurationMS < 2 {
		t.Fatalf("load phase = %+v", p)
	}
	if report.TotalMS < p.DurationMS {
		t.Fatalf("TotalMS = %v, want >= %v", report.TotalMS, p.DurationMS)
	}

	var buf bytes.Buffer
	if err := timer.WriteSummary(&buf); err != nil {
		t.Fatalf("WriteSummary: %v", err)
	}
	for _, want := range []string{"timings:", "load", "500 ev", "(trace.tlt)", "total"} {
		if !strings.Contains(buf.String(), want) {
			t.Fatalf("summary missing %q:\n%s", want, buf.String())
		}
	}
}

func TestEmptyTimer(t *testing.T) {
	timer := NewTimer()
	if got := timer.Report(); got.TotalMS != 0 || got.Phases != nil {
		t.Fatalf("Report() = %+v, want zero", got)
	}
	var buf bytes.Buffer
	if err := timer.WriteSummary(&buf); err != nil || buf.Len() != 0 {
		t.Fatalf("WriteSummary wrote %q, %v", buf.String(), err)
	}
}
