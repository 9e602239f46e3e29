package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"timeline/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "timeline",
	Short: "Inspect, convert and trim recorded trace timelines",
	Long: `timeline loads recorded trace files (.tlt, .ndjson, .db) into a trace
manager, reports what they contain and writes them back out, optionally
restricted to a time range.`,
	SilenceUsage:      true,
	PersistentPreRunE: setupSession,
}

func init() {
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(convertCmd)
	rootCmd.AddCommand(restrictCmd)
	rootCmd.AddCommand(notesCmd)
	rootCmd.AddCommand(versionCmd)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "path to timeline.toml (default: search upwards from the working directory)")
	flags.String("ui", "auto", "progress UI (auto|on|off)")
	flags.String("color", "auto", "colorize output (auto|on|off)")
	flags.Bool("quiet", false, "suppress non-essential output")
	flags.String("log-level", "", "log level (debug|info|warn|error), overrides [log].level")
	flags.Bool("timings", false, "show timing information")
	flags.Int("jobs", 0, "maximum files processed concurrently, overrides [jobs].max")

	flags.String("trace", "", "write self-trace events to a file (\"-\" for stderr)")
	flags.String("trace-level", "off", "self-trace level (off|error|operation|phase|debug)")
	flags.String("trace-mode", "stream", "self-trace storage (stream|ring|both|log)")
	flags.Int("trace-ring-size", 4096, "events kept by the ring tracer")
	flags.Duration("trace-heartbeat", 0, "emit heartbeat trace events at this interval")

	flags.String("cpu-profile", "", "write a CPU profile to this file")
	flags.String("mem-profile", "", "write a heap profile to this file")
	flags.String("runtime-trace", "", "write a Go runtime trace to this file")
}

// main executes the root command and exits with status 1 on failure.
// Interrupts cancel running operations through the command context.
func main() {
	rootCmd.Version = version.Current().Version

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	finishSession(err)
	if err != nil {
		os.Exit(1)
	}
}

// isTerminal reports whether f is attached to a terminal.
func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
