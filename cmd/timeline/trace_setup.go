package main

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"timeline/internal/trace"
)

// selfTrace holds the --trace* flags.
type selfTrace struct {
	output    string
	level     trace.Level
	mode      trace.StorageMode
	ringSize  int
	heartbeat time.Duration
}

func readSelfTrace(flags *pflag.FlagSet) (selfTrace, error) {
	var (
		st         selfTrace
		level, mod string
		err        error
	)
	if st.output, err = flags.GetString("trace"); err != nil {
		return st, err
	}
	if level, err = flags.GetString("trace-level"); err != nil {
		return st, err
	}
	if mod, err = flags.GetString("trace-mode"); err != nil {
		return st, err
	}
	if st.ringSize, err = flags.GetInt("trace-ring-size"); err != nil {
		return st, err
	}
	if st.heartbeat, err = flags.GetDuration("trace-heartbeat"); err != nil {
		return st, err
	}
	if st.level, err = trace.ParseLevel(level); err != nil {
		return st, fmt.Errorf("--trace-level: %w", err)
	}
	if st.mode, err = trace.ParseMode(mod); err != nil {
		return st, fmt.Errorf("--trace-mode: %w", err)
	}
	// --trace alone enables operation-level tracing.
	if st.level == trace.LevelOff && st.output != "" {
		st.level = trace.LevelOperation
	}
	return st, nil
}

// setupTracing attaches the self-tracer to the command context. The returned
// stop dumps the ring buffer to stderr when failed is set.
func setupTracing(cmd *cobra.Command, logger *slog.Logger) (trace.Tracer, func(failed bool), error) {
	st, err := readSelfTrace(cmd.Root().PersistentFlags())
	if err != nil {
		return nil, nil, err
	}
	tracer, err := trace.New(trace.Config{
		Level:      st.level,
		Mode:       st.mode,
		OutputPath: st.output,
		RingSize:   st.ringSize,
		Logger:     logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("self-trace: %w", err)
	}
	cmd.SetContext(trace.WithTracer(cmd.Context(), tracer))
	if !tracer.Enabled() {
		return tracer, func(bool) {}, nil
	}

	var hb *trace.Heartbeat
	if st.heartbeat > 0 {
		hb = trace.StartHeartbeat(tracer, st.heartbeat)
	}
	errOut := cmd.ErrOrStderr()
	return tracer, func(failed bool) {
		hb.Stop()
		if failed {
			dumpRing(errOut, tracer)
		}
		if err := tracer.Close(); err != nil {
			fmt.Fprintf(errOut, "self-trace: %v\n", err)
		}
	}, nil
}

func dumpRing(w io.Writer, tracer trace.Tracer) {
	ring, ok := trace.Ring(tracer)
	if !ok || ring.Len() == 0 {
		return
	}
	fmt.Fprintf(w, "self-trace: last %d events before failure:\n", ring.Len())
	if err := ring.Dump(w, trace.FormatText); err != nil {
		fmt.Fprintf(w, "self-trace: %v\n", err)
	}
}
