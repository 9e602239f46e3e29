package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/spf13/cobra"

	"timeline/internal/event"
	"timeline/internal/notes"
	"timeline/internal/task"
	"timeline/internal/timeline"
	"timeline/internal/tracefile"
)

var convertCmd = &cobra.Command{
	Use:   "convert IN OUT",
	Short: "Rewrite a trace file, optionally keeping only a time range",
	Long: `Load IN (only the events inside --start/--end when given) and save it to OUT.
The output format follows the extension of OUT, or --format.`,
	Args: cobra.ExactArgs(2),
	RunE: runConvert,
}

var restrictCmd = &cobra.Command{
	Use:   "restrict IN OUT",
	Short: "Trim a trace to a time range",
	Long: `Load IN, restrict the trace manager to [--start, --end] and save the result to OUT.
Notes in the sidecar of IN that lie inside the range are written next to OUT.`,
	Args: cobra.ExactArgs(2),
	RunE: runRestrict,
}

func init() {
	convertCmd.Flags().Int64("start", math.MinInt64, "first timestamp to keep")
	convertCmd.Flags().Int64("end", math.MaxInt64, "last timestamp to keep")
	convertCmd.Flags().String("format", "", "output format (msgpack|ndjson|sqlite), default from the extension of OUT")

	restrictCmd.Flags().Int64("start", 0, "first timestamp to keep")
	restrictCmd.Flags().Int64("end", 0, "last timestamp to keep")
	_ = restrictCmd.MarkFlagRequired("start")
	_ = restrictCmd.MarkFlagRequired("end")
}

func readRange(cmd *cobra.Command) (event.Range, error) {
	start, err := cmd.Flags().GetInt64("start")
	if err != nil {
		return event.Range{}, fmt.Errorf("failed to get start flag: %w", err)
	}
	end, err := cmd.Flags().GetInt64("end")
	if err != nil {
		return event.Range{}, fmt.Errorf("failed to get end flag: %w", err)
	}
	r := event.Range{Start: start, End: end}
	if !r.Valid() {
		return r, fmt.Errorf("%w: --start %d is after --end %d", timeline.ErrInvalidRange, start, end)
	}
	return r, nil
}

func runConvert(cmd *cobra.Command, args []string) error {
	s, err := sessionFor(cmd)
	if err != nil {
		return err
	}
	in, out := args[0], args[1]
	r, err := readRange(cmd)
	if err != nil {
		return err
	}
	formatName, err := cmd.Flags().GetString("format")
	if err != nil {
		return fmt.Errorf("failed to get format flag: %w", err)
	}
	format, err := tracefile.ParseFormat(formatName)
	if err != nil {
		return err
	}

	var opts []timeline.Option
	if format != tracefile.FormatAuto {
		opts = append(opts, timeline.WithOpener(func(path string) (tracefile.File, error) {
			if path == out {
				return tracefile.OpenFormat(path, format)
			}
			return s.openTraceFile(path)
		}))
	}

	var events int
	err = s.withProgress(cmd.Context(), "convert", []string{in}, func(ctx context.Context, sinks sinkFactory) error {
		m, release, err := s.newManager(append(opts, timeline.WithProgressSink(sinks(in)))...)
		if err != nil {
			return err
		}
		defer release()

		if err := s.loadInto(ctx, m, in, r); err != nil {
			return err
		}
		events = m.NumEvents()
		return s.saveFrom(ctx, m, out)
	})
	if err != nil {
		return err
	}
	s.printf(cmd.OutOrStdout(), "%s: wrote %d events to %s\n", in, events, out)
	return nil
}

func runRestrict(cmd *cobra.Command, args []string) error {
	s, err := sessionFor(cmd)
	if err != nil {
		return err
	}
	in, out := args[0], args[1]
	r, err := readRange(cmd)
	if err != nil {
		return err
	}

	model, hasNotes, err := loadNotes(in)
	if err != nil {
		return err
	}

	var before, after int
	err = s.withProgress(cmd.Context(), "restrict", []string{in}, func(ctx context.Context, sinks sinkFactory) error {
		m, release, err := s.newManager(timeline.WithProgressSink(sinks(in)))
		if err != nil {
			return err
		}
		defer release()

		if err := s.loadInto(ctx, m, in, event.FullRange); err != nil {
			return err
		}
		before = m.NumEvents()
		// Attached after the load: loading clears the notes model.
		m.SetNotesModel(model)

		lap := s.timer.Start("restrict")
		err = m.RestrictToRange(r.Start, r.End)
		lap.Stop(int64(m.NumEvents()), r.String())
		if err != nil {
			return err
		}
		after = m.NumEvents()
		return s.saveFrom(ctx, m, out)
	})
	if err != nil {
		return err
	}

	if hasNotes {
		if err := model.Save(notes.SidecarPath(out)); err != nil {
			return fmt.Errorf("save notes: %w", err)
		}
	}
	s.printf(cmd.OutOrStdout(), "%s: kept %d of %d events in %v, wrote %s\n", in, after, before, r, out)
	return nil
}

// loadNotes reads the sidecar of tracePath. A missing sidecar yields an empty model.
func loadNotes(tracePath string) (*notes.Model, bool, error) {
	model := notes.New()
	err := model.Load(notes.SidecarPath(tracePath))
	switch {
	case err == nil:
		return model, true, nil
	case errors.Is(err, os.ErrNotExist):
		return model, false, nil
	default:
		return nil, false, err
	}
}

func (s *session) loadInto(ctx context.Context, m *timeline.Manager, path string, r event.Range) error {
	lap := s.timer.Start("load")
	op, err := m.LoadRange(path, r)
	if err != nil {
		lap.Stop(0, "")
		return err
	}
	err = awaitOperation(ctx, op)
	lap.Stop(int64(m.NumEvents()), path)
	return err
}

func (s *session) saveFrom(ctx context.Context, m *timeline.Manager, path string) error {
	lap := s.timer.Start("save")
	op, err := m.Save(path)
	if err != nil {
		lap.Stop(0, "")
		return err
	}
	err = awaitOperation(ctx, op)
	lap.Stop(int64(m.NumEvents()), path)
	if errors.Is(err, task.ErrCanceled) {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return err
}
