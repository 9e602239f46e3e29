package trace

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Tracer receives the events of traced manager operations. Implementations
// are safe for concurrent use; Emit may be called from worker goroutines.
type Tracer interface {
	Emit(ev *Event)
	Flush() error
	Close() error
	// Level is the finest scope the tracer keeps.
	Level() Level
	// Enabled reports Level() > LevelOff.
	Enabled() bool
}

// StorageMode determines where events go.
type StorageMode uint8

const (
	ModeStream StorageMode = iota + 1 // immediate write
	ModeRing                          // circular buffer
	ModeBoth                          // stream + ring
	ModeLog                           // slog records
)

var modeNames = [...]string{
	ModeStream: "stream",
	ModeRing:   "ring",
	ModeBoth:   "both",
	ModeLog:    "log",
}

func (m StorageMode) String() string {
	if int(m) < len(modeNames) && modeNames[m] != "" {
		return modeNames[m]
	}
	return "unknown"
}

// ParseMode reads a --trace-mode value.
func ParseMode(s string) (StorageMode, error) {
	for m, name := range modeNames {
		if name != "" && strings.EqualFold(s, name) {
			return StorageMode(m), nil
		}
	}
	return ModeRing, fmt.Errorf("invalid storage mode: %q (expected: stream|ring|both|log)", s)
}

// Config describes the tracer New builds. Output wins over OutputPath;
// an empty path or "-" means stderr.
type Config struct {
	Level      Level
	Mode       StorageMode
	Format     Format // FormatAuto picks by OutputPath extension
	Output     io.Writer
	OutputPath string
	RingSize   int          // default 4096
	Logger     *slog.Logger // ModeLog only
}

// New builds the tracer cfg describes. LevelOff yields Nop.
func New(cfg Config) (Tracer, error) {
	if cfg.Level == LevelOff {
		return Nop, nil
	}
	if cfg.RingSize <= 0 {
		cfg.RingSize = 4096
	}
	ring := func() Tracer { return NewRingTracer(cfg.RingSize, cfg.Level) }
	stream := func() (Tracer, error) {
		w, err := openOutput(cfg)
		if err != nil {
			return nil, err
		}
		return NewStreamTracer(w, cfg.Level, outputFormat(cfg)), nil
	}

	switch cfg.Mode {
	case ModeRing:
		return ring(), nil
	case ModeLog:
		return NewLogTracer(cfg.Logger, cfg.Level), nil
	case ModeStream:
		return stream()
	case ModeBoth:
		st, err := stream()
		if err != nil {
			return nil, err
		}
		return Tee{st, ring()}, nil
	}
	return nil, fmt.Errorf("unknown storage mode: %v", cfg.Mode)
}

func outputFormat(cfg Config) Format {
	if cfg.Format != FormatAuto {
		return cfg.Format
	}
	switch filepath.Ext(cfg.OutputPath) {
	case ".ndjson", ".jsonl":
		return FormatNDJSON
	}
	return FormatText
}

func openOutput(cfg Config) (io.Writer, error) {
	if cfg.Output != nil {
		return cfg.Output, nil
	}
	if cfg.OutputPath == "" || cfg.OutputPath == "-" {
		return os.Stderr, nil
	}
	f, err := os.Create(cfg.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace output: %w", err)
	}
	return f, nil
}

// Ring returns the RingTracer inside t, if any.
func Ring(t Tracer) (*RingTracer, bool) {
	switch tr := t.(type) {
	case *RingTracer:
		return tr, true
	case Tee:
		for _, inner := range tr {
			if r, ok := Ring(inner); ok {
				return r, true
			}
		}
	}
	return nil, false
}
