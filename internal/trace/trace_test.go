package trace

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want Level
	}{
		{"off", LevelOff},
		{"ERROR", LevelError},
		{"op", LevelOperation},
		{"phase", LevelPhase},
		{"debug", LevelDebug},
	}
	for _, tc := range cases {
		got, err := ParseLevel(tc.in)
		if err != nil || got != tc.want {
			t.Fatalf("ParseLevel(%q) = %v, %v, want %v", tc.in, got, err, tc.want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("ParseLevel(loud) succeeded")
	}
}

func TestShouldEmit(t *testing.T) {
	cases := []struct {
		level Level
		scope Scope
		want  bool
	}{
		{LevelOff, ScopeOperation, false},
		{LevelError, ScopeOperation, false},
		{LevelOperation, ScopeOperation, true},
		{LevelOperation, ScopePhase, false},
		{LevelPhase, ScopePhase, true},
		{LevelPhase, ScopeBatch, false},
		{LevelDebug, ScopeBatch, true},
	}
	for _, tc := range cases {
		if got := tc.level.ShouldEmit(tc.scope); got != tc.want {
			t.Fatalf("%v.ShouldEmit(%v) = %v, want %v", tc.level, tc.scope, got, tc.want)
		}
	}
}

func TestRingWrapsInOrder(t *testing.T) {
	ring := NewRingTracer(3, LevelDebug)
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		ring.Emit(&Event{Kind: KindPoint, Scope: ScopePhase, Name: name})
	}
	if ring.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", ring.Len())
	}
	var names []string
	for _, ev := range ring.Snapshot() {
		names = append(names, ev.Name)
	}
	if got := strings.Join(names, ""); got != "cde" {
		t.Fatalf("Snapshot() names = %q, want %q", got, "cde")
	}
}

func TestRingAtErrorLevelKeepsOperations(t *testing.T) {
	ring := NewRingTracer(8, LevelError)
	ring.Emit(&Event{Kind: KindSpanBegin, Scope: ScopeOperation, Name: "load"})
	ring.Emit(&Event{Kind: KindSpanBegin, Scope: ScopePhase, Name: "read"})
	if ring.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", ring.Len())
	}
}

func TestStreamNDJSON(t *testing.T) {
	var buf bytes.Buffer
	tr := NewStreamTracer(&buf, LevelPhase, FormatNDJSON)
	ctx := WithTracer(context.Background(), tr)

	ctx, op := Start(ctx, ScopeOperation, "load")
	_, phase := Start(ctx, ScopePhase, "read")
	phase.WithExtra("events", "3").End("")
	op.End("finished")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines, want 4:\n%s", len(lines), buf.String())
	}
	var readEnd jsonEvent
	if err := json.Unmarshal([]byte(lines[2]), &readEnd); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if readEnd.Name != "read" || readEnd.Kind != "end" || readEnd.ParentID != op.ID() {
		t.Fatalf("read end = %+v, want child of span %d", readEnd, op.ID())
	}
	if readEnd.Extra["events"] != "3" || readEnd.Extra["dur"] == "" {
		t.Fatalf("read end extra = %v", readEnd.Extra)
	}
}

func TestBeginFilteredByLevel(t *testing.T) {
	ring := NewRingTracer(8, LevelOperation)
	span := Begin(ring, ScopeBatch, "init", 0)
	span.End("")
	if span.ID() != 0 || ring.Len() != 0 {
		t.Fatalf("filtered span emitted: id=%d len=%d", span.ID(), ring.Len())
	}
}

func TestLogTracer(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	tr := NewLogTracer(logger, LevelOperation)

	Begin(tr, ScopeOperation, "save", 0).WithExtra("path", "out.tlt").End("ok")

	out := buf.String()
	for _, want := range []string{"msg=save", "kind=end", "level=INFO", "path=out.tlt", "component=trace"} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output missing %q:\n%s", want, out)
		}
	}
}

func TestNewOff(t *testing.T) {
	tr, err := New(Config{Level: LevelOff, Mode: ModeStream})
	if err != nil || tr != Nop {
		t.Fatalf("New(off) = %v, %v, want Nop", tr, err)
	}
	var hb *Heartbeat
	hb.Stop()
}

func TestRingLookup(t *testing.T) {
	var buf bytes.Buffer
	tr, err := New(Config{Level: LevelPhase, Mode: ModeBoth, Output: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := Ring(tr); !ok {
		t.Fatalf("Ring() found no ring in ModeBoth tracer")
	}
	if _, ok := Ring(Nop); ok {
		t.Fatalf("Ring(Nop) reported a ring")
	}
}

func TestContextCarriesSpan(t *testing.T) {
	if FromContext(context.Background()) != Nop || SpanID(context.Background()) != 0 {
		t.Fatal("empty context should carry Nop at the root")
	}
	ring := NewRingTracer(8, LevelDebug)
	ctx, span := Start(WithTracer(context.Background(), ring), ScopeOperation, "save")
	if SpanID(ctx) != span.ID() || span.ID() == 0 {
		t.Fatalf("SpanID = %d, want %d", SpanID(ctx), span.ID())
	}
	// Replacing the tracer keeps the open span.
	ctx = WithTracer(ctx, nil)
	if FromContext(ctx) != Nop || SpanID(ctx) != span.ID() {
		t.Fatal("WithTracer dropped the current span")
	}
}

func TestTeeCopiesEvents(t *testing.T) {
	coarse := NewRingTracer(4, LevelOperation)
	fine := NewRingTracer(4, LevelPhase)
	tee := Tee{coarse, fine}
	if tee.Level() != LevelPhase || !tee.Enabled() {
		t.Fatalf("Tee level = %v, want the finest member level", tee.Level())
	}
	tee.Emit(&Event{Kind: KindPoint, Scope: ScopeOperation, Name: "save"})
	if coarse.Len() != 1 || fine.Len() != 1 {
		t.Fatalf("lens = %d, %d, want 1, 1", coarse.Len(), fine.Len())
	}
	if err := tee.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if (Tee{}).Enabled() {
		t.Fatal("empty Tee reports enabled")
	}
}

func TestFormatText(t *testing.T) {
	ev := &Event{
		Time:   processStart,
		Kind:   KindSpanEnd,
		Scope:  ScopePhase,
		SpanID: 3,
		Name:   "replay",
		Detail: "ok",
		Extra:  map[string]string{"events": "40", "dur": "1ms"},
	}
	got := string(FormatEvent(ev, FormatText))
	want := "[    0.000ms]   ← replay #3 (ok) {dur=1ms, events=40}\n"
	if got != want {
		t.Fatalf("FormatEvent = %q, want %q", got, want)
	}
}
