package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"timeline/internal/event"
	"timeline/internal/notes"
	"timeline/internal/timeline"
)

// writeSampleTrace records ten events at 0, 10, ..., 90 alternating between
// a paint type (feature 1) and a gc type (feature 5).
func writeSampleTrace(t *testing.T, path string) {
	t.Helper()
	m := timeline.New()
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	paint, err := m.AddEventType(event.Type{ID: event.NoType, Feature: 1, DisplayName: "paint"})
	if err != nil {
		t.Fatalf("AddEventType: %v", err)
	}
	gc, err := m.AddEventType(event.Type{ID: event.NoType, Feature: 5, DisplayName: "gc"})
	if err != nil {
		t.Fatalf("AddEventType: %v", err)
	}
	for i := int64(0); i < 10; i++ {
		id := paint
		if i%2 == 1 {
			id = gc
		}
		if err := m.AddEvent(event.Event{Timestamp: i * 10, TypeID: id}); err != nil {
			t.Fatalf("AddEvent: %v", err)
		}
		m.DecreaseTraceStart(i * 10)
		m.IncreaseTraceEnd(i * 10)
	}
	if err := m.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	op, err := m.Save(path)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := op.Wait(context.Background()); err != nil {
		t.Fatalf("Save wait: %v", err)
	}
}

// resetFlags restores every flag to its default between executions of rootCmd.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.PersistentFlags().VisitAll(reset)
	cmd.Flags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out, _, err := executeFull(t, args...)
	return out, err
}

// executeFull runs rootCmd and returns what it wrote to stdout and stderr.
func executeFull(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	resetFlags(rootCmd)

	cfgPath := filepath.Join(t.TempDir(), "timeline.toml")
	if err := os.WriteFile(cfgPath, []byte("[log]\nlevel = \"error\"\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(append([]string{"--config", cfgPath, "--ui", "off", "--color", "off"}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	finishSession(err)
	return out.String(), errOut.String(), err
}

func TestInfo(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.tlt")
	b := filepath.Join(dir, "b.ndjson")
	writeSampleTrace(t, a)
	writeSampleTrace(t, b)

	out, err := execute(t, "info", "--jobs", "2", a, b)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	for _, want := range []string{
		a + " (msgpack)",
		b + " (ndjson)",
		"0 .. 90 (duration 90)",
		"events   10",
		"features {1,5}",
		"paint",
		"gc",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("info output missing %q:\n%s", want, out)
		}
	}
}

func TestInfoMissingFile(t *testing.T) {
	_, err := execute(t, "info", filepath.Join(t.TempDir(), "missing.tlt"))
	if err == nil || !strings.Contains(err.Error(), "missing.tlt") {
		t.Fatalf("info err = %v, want it to name the file", err)
	}
}

func TestSelfTraceToFile(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.tlt")
	tracePath := filepath.Join(dir, "self.ndjson")
	writeSampleTrace(t, in)

	if _, err := execute(t, "--trace", tracePath, "--trace-level", "phase", "info", in); err != nil {
		t.Fatalf("info: %v", err)
	}
	data, err := os.ReadFile(tracePath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	for _, want := range []string{`"name":"load"`, `"name":"read"`, `"name":"replay"`} {
		if !bytes.Contains(data, []byte(want)) {
			t.Fatalf("self-trace missing %s:\n%s", want, data)
		}
	}
}

func TestRingDumpedOnFailure(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.tlt")
	_, stderr, err := executeFull(t, "--trace-mode", "ring", "--trace-level", "operation", "info", missing)
	if err == nil {
		t.Fatal("info on a missing file succeeded")
	}
	if !strings.Contains(stderr, "self-trace: last") || !strings.Contains(stderr, "load") {
		t.Fatalf("stderr has no ring dump:\n%s", stderr)
	}
}

func TestConvertRange(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.tlt")
	out := filepath.Join(dir, "out.db")
	writeSampleTrace(t, in)

	stdout, err := execute(t, "convert", "--start", "20", "--end", "50", in, out)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if !strings.Contains(stdout, "wrote 4 events") {
		t.Fatalf("convert output = %q", stdout)
	}

	info, err := execute(t, "info", out)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if !strings.Contains(info, "(sqlite)") || !strings.Contains(info, "events   4") {
		t.Fatalf("info output:\n%s", info)
	}
}

func TestConvertFormatFlag(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.tlt")
	out := filepath.Join(dir, "out.trace")
	writeSampleTrace(t, in)

	if _, err := execute(t, "convert", "--format", "ndjson", in, out); err != nil {
		t.Fatalf("convert: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.HasPrefix(data, []byte(`{"kind":"header"`)) {
		t.Fatalf("output is not ndjson: %.40q", data)
	}
}

func TestConvertInvalidRange(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.tlt")
	writeSampleTrace(t, in)
	_, err := execute(t, "convert", "--start", "50", "--end", "20", in, filepath.Join(dir, "out.tlt"))
	if err == nil || !strings.Contains(err.Error(), "invalid range") {
		t.Fatalf("convert err = %v, want invalid range", err)
	}
}

func TestRestrictCarriesNotes(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.tlt")
	out := filepath.Join(dir, "out.tlt")
	writeSampleTrace(t, in)

	if _, err := execute(t, "notes", in, "--add", "25:inside", "--add", "85:outside"); err != nil {
		t.Fatalf("notes: %v", err)
	}
	stdout, err := execute(t, "restrict", "--start", "20", "--end", "50", in, out)
	if err != nil {
		t.Fatalf("restrict: %v", err)
	}
	if !strings.Contains(stdout, "kept 4 of 10 events") {
		t.Fatalf("restrict output = %q", stdout)
	}

	model := notes.New()
	if err := model.Load(notes.SidecarPath(out)); err != nil {
		t.Fatalf("Load notes: %v", err)
	}
	got := model.Notes()
	if len(got) != 1 || got[0].Text != "inside" {
		t.Fatalf("restricted notes = %+v, want only the note inside the range", got)
	}
}

func TestRestrictRequiresRange(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.tlt")
	writeSampleTrace(t, in)
	_, err := execute(t, "restrict", in, filepath.Join(dir, "out.tlt"))
	if err == nil || !strings.Contains(err.Error(), "required flag") {
		t.Fatalf("restrict err = %v, want a required flag error", err)
	}
}

func TestNotesAddRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.tlt")
	out, err := execute(t, "notes", path)
	if err != nil {
		t.Fatalf("notes: %v", err)
	}
	if !strings.Contains(out, "no notes") {
		t.Fatalf("notes output = %q", out)
	}

	if _, err := execute(t, "notes", path, "--add", "30:b", "--add", "10:a", "--duration", "5"); err != nil {
		t.Fatalf("notes --add: %v", err)
	}
	out, err = execute(t, "notes", path, "--remove", "0")
	if err != nil {
		t.Fatalf("notes --remove: %v", err)
	}
	if strings.Contains(out, " a\n") || !strings.Contains(out, "1 notes") {
		t.Fatalf("notes output after remove:\n%s", out)
	}

	if _, err := execute(t, "notes", path, "--remove", "7"); err == nil {
		t.Fatal("removing a missing note should fail")
	}
}

func TestVersionJSON(t *testing.T) {
	out, err := execute(t, "version", "--format", "json")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	var payload map[string]string
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("Unmarshal %q: %v", out, err)
	}
	if payload["tool"] != "timeline" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestParseNote(t *testing.T) {
	cases := []struct {
		in      string
		ts      int64
		text    string
		wantErr bool
	}{
		{"10:hello", 10, "hello", false},
		{"-5: spaced : colon ", -5, "spaced : colon", false},
		{"nocolon", 0, "", true},
		{"x:text", 0, "", true},
		{"10:", 0, "", true},
	}
	for _, tc := range cases {
		n, err := parseNote(tc.in)
		if (err != nil) != tc.wantErr {
			t.Fatalf("parseNote(%q) err = %v, wantErr %v", tc.in, err, tc.wantErr)
		}
		if err == nil && (n.Timestamp != tc.ts || n.Text != tc.text) {
			t.Fatalf("parseNote(%q) = %+v", tc.in, n)
		}
	}
}

func TestReadSwitchMode(t *testing.T) {
	cases := []struct {
		in      string
		want    switchMode
		wantErr bool
	}{
		{"", modeAuto, false},
		{" ON ", modeOn, false},
		{"off", modeOff, false},
		{"sometimes", "", true},
	}
	for _, tc := range cases {
		got, err := readSwitchMode("ui", tc.in)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Fatalf("readSwitchMode(%q) = %q, %v, want %q", tc.in, got, err, tc.want)
		}
	}
	if _, err := readSwitchMode("color", "rainbow"); err == nil || !strings.Contains(err.Error(), "--color") {
		t.Fatalf("readSwitchMode(color, rainbow) err = %v", err)
	}

	detected := func() bool { return true }
	if !modeAuto.resolve(detected) || modeOff.resolve(detected) || !modeOn.resolve(func() bool { return false }) {
		t.Fatal("resolve ignored the mode")
	}
}

func TestWriteTableAlignsWideRunes(t *testing.T) {
	var buf bytes.Buffer
	writeTable(&buf, [][]string{{"A", "B"}, {"日本", "x"}, {"a", "y"}}, "")
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	want := []string{"A     B", "日本  x", "a     y"}
	for i, line := range lines {
		if line != want[i] {
			t.Fatalf("line %d = %q, want %q", i, line, want[i])
		}
	}
}
