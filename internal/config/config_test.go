package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"timeline/internal/tracefile"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestFindWalksUp(t *testing.T) {
	root := t.TempDir()
	want := writeConfig(t, root, "")
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	got, ok, err := Find(nested)
	if err != nil || !ok {
		t.Fatalf("Find() = %q, %v, %v", got, ok, err)
	}
	if got != want {
		t.Fatalf("Find() = %q, want %q", got, want)
	}
}

func TestDiscoverDefaults(t *testing.T) {
	cfg, err := Discover(t.TempDir())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	// A timeline.toml further up the real filesystem would change the result.
	if cfg.Path != "" {
		t.Skipf("found %s above the temp dir", cfg.Path)
	}
	if cfg.Storage.Backend != BackendMemory || cfg.Jobs.Max != 4 || cfg.LogLevel() != slog.LevelWarn {
		t.Fatalf("Discover() = %+v, want defaults", cfg)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
[storage]
backend = "Pebble"
dir = "stash"

[output]
format = "ndjson"

[progress]
rate = 5.5

[log]
level = "debug"

[jobs]
max = 2
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Backend != BackendPebble {
		t.Fatalf("backend = %q, want pebble", cfg.Storage.Backend)
	}
	if cfg.Storage.Dir != filepath.Join(dir, "stash") {
		t.Fatalf("dir = %q, want it resolved against the config file", cfg.Storage.Dir)
	}
	if f, _ := cfg.OutputFormat(); f != tracefile.FormatNDJSON {
		t.Fatalf("OutputFormat() = %v, want ndjson", f)
	}
	if cfg.Progress.Rate != 5.5 || cfg.Jobs.Max != 2 || cfg.LogLevel() != slog.LevelDebug {
		t.Fatalf("Load() = %+v", cfg)
	}
	if cfg.Path != path {
		t.Fatalf("Path = %q, want %q", cfg.Path, path)
	}
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "[jobs]\nmax = 8\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Jobs.Max != 8 || cfg.Storage.Backend != BackendMemory || cfg.Progress.Rate != 20 {
		t.Fatalf("Load() = %+v", cfg)
	}
}

func TestLoadErrors(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"syntax", "[storage\n", "failed to parse TOML"},
		{"unknown key", "[storage]\ncolour = 1\n", "unknown key"},
		{"empty backend", "[storage]\nbackend = \"\"\n", "empty [storage].backend"},
		{"bad backend", "[storage]\nbackend = \"redis\"\n", "[storage].backend"},
		{"bad format", "[output]\nformat = \"xml\"\n", "[output].format"},
		{"negative rate", "[progress]\nrate = -1\n", "[progress].rate"},
		{"bad level", "[log]\nlevel = \"loud\"\n", "[log].level"},
		{"zero jobs", "[jobs]\nmax = 0\n", "[jobs].max"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), tc.body)
			_, err := Load(path)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Load() err = %v, want it to mention %q", err, tc.want)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelWarn},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tc := range cases {
		got, err := ParseLogLevel(tc.in)
		if err != nil || got != tc.want {
			t.Fatalf("ParseLogLevel(%q) = %v, %v, want %v", tc.in, got, err, tc.want)
		}
	}
}
