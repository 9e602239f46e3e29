// Package config loads timeline.toml.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"timeline/internal/tracefile"
)

// FileName is the name searched for by Find.
const FileName = "timeline.toml"

// Storage backends.
const (
	BackendMemory = "memory"
	BackendPebble = "pebble"
)

// Config is the decoded timeline.toml.
type Config struct {
	Storage  StorageConfig  `toml:"storage"`
	Output   OutputConfig   `toml:"output"`
	Progress ProgressConfig `toml:"progress"`
	Log      LogConfig      `toml:"log"`
	Jobs     JobsConfig     `toml:"jobs"`

	// Path is the file the config was read from, empty for defaults.
	Path string `toml:"-"`
}

type StorageConfig struct {
	Backend string `toml:"backend"`
	// Dir holds pebble stashes; empty means a temporary directory per manager.
	Dir string `toml:"dir"`
}

type OutputConfig struct {
	// Format is used when the output path has no recognized extension.
	Format string `toml:"format"`
}

type ProgressConfig struct {
	// Rate caps progress updates per second; 0 disables throttling.
	Rate float64 `toml:"rate"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

type JobsConfig struct {
	Max int `toml:"max"`
}

// Default returns the configuration used when no timeline.toml exists.
func Default() Config {
	return Config{
		Storage:  StorageConfig{Backend: BackendMemory},
		Output:   OutputConfig{Format: "msgpack"},
		Progress: ProgressConfig{Rate: 20},
		Log:      LogConfig{Level: "warn"},
		Jobs:     JobsConfig{Max: 4},
	}
}

// Find walks from startDir up to the filesystem root looking for timeline.toml.
func Find(startDir string) (string, bool, error) {
	if startDir == "" {
		startDir = "."
	}
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve start directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, FileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("failed to stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false, nil
}

// Discover loads the nearest timeline.toml above startDir, or the defaults
// when there is none.
func Discover(startDir string) (Config, error) {
	path, ok, err := Find(startDir)
	if err != nil {
		return Config{}, err
	}
	if !ok {
		return Default(), nil
	}
	return Load(path)
}

// Load decodes path on top of the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%s: unknown key %s", path, undecoded[0])
	}
	if meta.IsDefined("storage", "backend") && strings.TrimSpace(cfg.Storage.Backend) == "" {
		return Config{}, fmt.Errorf("%s: empty [storage].backend", path)
	}
	if meta.IsDefined("storage", "dir") && cfg.Storage.Dir != "" && !filepath.IsAbs(cfg.Storage.Dir) {
		cfg.Storage.Dir = filepath.Join(filepath.Dir(path), cfg.Storage.Dir)
	}
	cfg.Path = path
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	switch c.Storage.Backend {
	case BackendMemory, BackendPebble:
	default:
		return fmt.Errorf("[storage].backend %q (expected memory|pebble)", c.Storage.Backend)
	}
	if _, err := c.OutputFormat(); err != nil {
		return fmt.Errorf("[output].format: %w", err)
	}
	if c.Progress.Rate < 0 {
		return fmt.Errorf("[progress].rate must not be negative, got %v", c.Progress.Rate)
	}
	if _, err := ParseLogLevel(c.Log.Level); err != nil {
		return fmt.Errorf("[log].level: %w", err)
	}
	if c.Jobs.Max < 1 {
		return fmt.Errorf("[jobs].max must be at least 1, got %d", c.Jobs.Max)
	}
	return nil
}

// OutputFormat returns the configured fallback trace file format.
func (c Config) OutputFormat() (tracefile.Format, error) {
	f, err := tracefile.ParseFormat(c.Output.Format)
	if err != nil {
		return f, err
	}
	if f == tracefile.FormatAuto {
		return tracefile.FormatMsgpack, nil
	}
	return f, nil
}

// LogLevel returns the parsed log level.
func (c Config) LogLevel() slog.Level {
	lvl, err := ParseLogLevel(c.Log.Level)
	if err != nil {
		return slog.LevelWarn
	}
	return lvl
}

// ParseLogLevel accepts debug, info, warn and error.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "", "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelWarn, fmt.Errorf("unknown log level %q (expected debug|info|warn|error)", s)
	}
}
