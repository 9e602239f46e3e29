package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"timeline/internal/config"
	"timeline/internal/observ"
	"timeline/internal/storage"
	"timeline/internal/timeline"
	"timeline/internal/trace"
	"timeline/internal/tracefile"
)

// session is the per-invocation state built from flags and timeline.toml.
type session struct {
	cfg     config.Config
	logger  *slog.Logger
	tracer  trace.Tracer
	timer   *observ.Timer
	errOut  io.Writer
	useUI   bool
	quiet   bool
	timings bool
	jobs    int

	stopTracing   func(failed bool)
	stopProfiling func()
}

// active is set by setupSession and torn down by finishSession.
var active *session

func setupSession(cmd *cobra.Command, _ []string) error {
	root := cmd.Root()
	flags := root.PersistentFlags()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if flags.Changed("log-level") {
		value, _ := flags.GetString("log-level")
		cfg.Log.Level = value
	}
	if flags.Changed("jobs") {
		cfg.Jobs.Max, _ = flags.GetInt("jobs")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	colorValue, _ := flags.GetString("color")
	colorMode, err := readSwitchMode("color", colorValue)
	if err != nil {
		return err
	}
	applyColorMode(colorMode)

	uiValue, _ := flags.GetString("ui")
	uiMode, err := readSwitchMode("ui", uiValue)
	if err != nil {
		return err
	}
	quiet, _ := flags.GetBool("quiet")
	timings, _ := flags.GetBool("timings")

	s := &session{
		cfg:     cfg,
		logger:  newLogger(cmd.ErrOrStderr(), cfg.LogLevel()),
		timer:   observ.NewTimer(),
		errOut:  cmd.ErrOrStderr(),
		useUI:   !quiet && uiMode.resolve(interactive),
		quiet:   quiet,
		timings: timings,
		jobs:    cfg.Jobs.Max,
	}
	if cfg.Path != "" {
		s.logger.Debug("configuration loaded", "path", cfg.Path)
	}

	s.tracer, s.stopTracing, err = setupTracing(cmd, s.logger)
	if err != nil {
		return err
	}
	s.stopProfiling, err = setupProfiling(cmd)
	if err != nil {
		s.stopTracing(true)
		return err
	}
	active = s
	return nil
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, err := cmd.Root().PersistentFlags().GetString("config")
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to get config flag: %w", err)
	}
	if path != "" {
		return config.Load(path)
	}
	return config.Discover(".")
}

// finishSession stops tracing and profiling and prints timings. The ring
// tracer is dumped when the command failed.
func finishSession(err error) {
	s := active
	if s == nil {
		return
	}
	active = nil
	if s.timings && err == nil {
		printTimings(s.errOut, s.timer)
	}
	s.stopProfiling()
	s.stopTracing(err != nil)
}

// newManager builds a manager over the configured storage backend. The
// returned release closes the manager and removes any stash directory.
func (s *session) newManager(opts ...timeline.Option) (*timeline.Manager, func(), error) {
	store, cleanup, err := s.openStorage()
	if err != nil {
		return nil, nil, err
	}
	base := []timeline.Option{
		timeline.WithStorage(store),
		timeline.WithOpener(s.openTraceFile),
		timeline.WithLogger(s.logger),
		timeline.WithTracer(s.tracer),
		timeline.WithProgressRate(s.cfg.Progress.Rate),
	}
	m := timeline.New(append(base, opts...)...)
	m.Subscribe(timeline.SinkFunc(func(n timeline.Notification) {
		if n.Kind == timeline.Error {
			s.logger.Warn("trace manager error", "message", n.Message)
		}
	}))
	release := func() {
		if err := m.Close(); err != nil {
			s.logger.Error("close trace manager", "err", err)
		}
		cleanup()
	}
	return m, release, nil
}

func (s *session) openStorage() (storage.Storage, func(), error) {
	if s.cfg.Storage.Backend != config.BackendPebble {
		return storage.NewMemory(), func() {}, nil
	}
	if s.cfg.Storage.Dir == "" {
		store, err := storage.OpenPebble("")
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}
	if err := os.MkdirAll(s.cfg.Storage.Dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create stash dir: %w", err)
	}
	// Concurrent managers each get their own stash.
	dir, err := os.MkdirTemp(s.cfg.Storage.Dir, "stash-*")
	if err != nil {
		return nil, nil, fmt.Errorf("create stash dir: %w", err)
	}
	store, err := storage.OpenPebble(dir)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, nil, err
	}
	return store, func() {
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Warn("remove stash dir", "dir", dir, "err", err)
		}
	}, nil
}

// openTraceFile picks the format from the extension, falling back to
// [output].format for unrecognized extensions.
func (s *session) openTraceFile(path string) (tracefile.File, error) {
	return tracefile.OpenFormat(path, s.formatFor(path))
}

func (s *session) formatFor(path string) tracefile.Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tlt", ".ndjson", ".jsonl", ".db", ".sqlite", ".sqlite3":
		return tracefile.DetectFormat(path)
	}
	format, err := s.cfg.OutputFormat()
	if err != nil {
		return tracefile.FormatMsgpack
	}
	return format
}

func (s *session) printf(out io.Writer, format string, args ...any) {
	if s.quiet {
		return
	}
	fmt.Fprintf(out, format, args...)
}

// sessionFor returns the active session, or an error when setupSession did not run.
func sessionFor(cmd *cobra.Command) (*session, error) {
	if active == nil {
		return nil, errors.New(cmd.CommandPath() + ": session not initialized")
	}
	return active, nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With("component", "timeline")
}
