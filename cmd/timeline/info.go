package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"

	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"timeline/internal/event"
	"timeline/internal/timeline"
)

var infoCmd = &cobra.Command{
	Use:   "info FILE...",
	Short: "Summarize trace files",
	Long:  "Load each trace file and print its bounds, counts, available features and per-type statistics.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runInfo,
}

// typeStats accumulates what the statistics feature sees for one event type.
type typeStats struct {
	Type   event.Type
	Events int64
	First  int64
	Last   int64
}

// statsFeature is a feature registered on every bit that counts replayed events.
type statsFeature struct {
	mu     sync.Mutex
	byType map[event.TypeID]*typeStats
}

func newStatsFeature() *statsFeature {
	return &statsFeature{byType: make(map[event.TypeID]*typeStats)}
}

func (f *statsFeature) handlers() timeline.Handlers {
	return timeline.Handlers{
		Loader:      f.load,
		Initializer: func() error { f.reset(); return nil },
		Clearer:     f.reset,
	}
}

func (f *statsFeature) load(ev event.Event, t event.Type) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.byType[t.ID]
	if !ok {
		st = &typeStats{Type: t, First: ev.Timestamp, Last: ev.Timestamp}
		f.byType[t.ID] = st
	}
	st.Events++
	st.First = min(st.First, ev.Timestamp)
	st.Last = max(st.Last, ev.Timestamp)
	return nil
}

func (f *statsFeature) reset() {
	f.mu.Lock()
	f.byType = make(map[event.TypeID]*typeStats)
	f.mu.Unlock()
}

// snapshot returns the statistics for every type, including types without events.
func (f *statsFeature) snapshot(types []event.Type) []typeStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]typeStats, 0, len(types))
	for _, t := range types {
		if st, ok := f.byType[t.ID]; ok {
			out = append(out, *st)
			continue
		}
		out = append(out, typeStats{Type: t})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Type.ID < out[j].Type.ID })
	return out
}

// traceInfo is the summary of one loaded file.
type traceInfo struct {
	Path      string
	Format    string
	Bounds    event.Range
	HasBounds bool
	Events    int
	Types     []typeStats
	Available event.FeatureMask
}

func runInfo(cmd *cobra.Command, args []string) error {
	s, err := sessionFor(cmd)
	if err != nil {
		return err
	}
	infos := make([]traceInfo, len(args))

	lap := s.timer.Start("info")
	err = s.withProgress(cmd.Context(), "info", args, func(ctx context.Context, sinks sinkFactory) error {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.jobs)
		for i, path := range args {
			g.Go(func() error {
				info, err := s.inspect(gctx, path, sinks)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				infos[i] = info
				return nil
			})
		}
		return g.Wait()
	})
	var total int64
	for _, info := range infos {
		total += int64(info.Events)
	}
	lap.Stop(total, strconv.Itoa(len(args))+" files")
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for i, info := range infos {
		if i > 0 {
			fmt.Fprintln(out)
		}
		writeTraceInfo(out, info)
	}
	return nil
}

func (s *session) inspect(ctx context.Context, path string, sinks sinkFactory) (traceInfo, error) {
	m, release, err := s.newManager(timeline.WithProgressSink(sinks(path)))
	if err != nil {
		return traceInfo{}, err
	}
	defer release()

	stats := newStatsFeature()
	if err := m.RegisterFeatures(event.AllFeatures, stats.handlers()); err != nil {
		return traceInfo{}, err
	}
	op, err := m.Load(path)
	if err != nil {
		return traceInfo{}, err
	}
	if err := awaitOperation(ctx, op); err != nil {
		return traceInfo{}, err
	}

	bounds, ok := m.TraceBounds()
	return traceInfo{
		Path:      path,
		Format:    s.formatFor(path).String(),
		Bounds:    bounds,
		HasBounds: ok,
		Events:    m.NumEvents(),
		Types:     stats.snapshot(m.Types()),
		Available: m.AvailableFeatures(),
	}, nil
}

func writeTraceInfo(out io.Writer, info traceInfo) {
	heading := color.New(color.Bold)
	label := color.New(color.FgCyan)

	fmt.Fprintf(out, "%s (%s)\n", heading.Sprint(info.Path), info.Format)
	if info.HasBounds {
		fmt.Fprintf(out, "  %s %d .. %d (duration %d)\n", label.Sprint("bounds  "), info.Bounds.Start, info.Bounds.End, info.Bounds.End-info.Bounds.Start)
	} else {
		fmt.Fprintf(out, "  %s unset\n", label.Sprint("bounds  "))
	}
	fmt.Fprintf(out, "  %s %d\n", label.Sprint("events  "), info.Events)
	fmt.Fprintf(out, "  %s %d\n", label.Sprint("types   "), len(info.Types))
	fmt.Fprintf(out, "  %s %v\n", label.Sprint("features"), info.Available)
	if len(info.Types) == 0 {
		return
	}

	rows := [][]string{{"ID", "TYPE", "FEATURE", "EVENTS", "FIRST", "LAST"}}
	for _, st := range info.Types {
		first, last := "-", "-"
		if st.Events > 0 {
			first, last = strconv.FormatInt(st.First, 10), strconv.FormatInt(st.Last, 10)
		}
		rows = append(rows, []string{
			strconv.Itoa(int(st.Type.ID)),
			st.Type.DisplayName,
			strconv.Itoa(int(st.Type.Feature)),
			strconv.FormatInt(st.Events, 10),
			first,
			last,
		})
	}
	fmt.Fprintln(out)
	writeTable(out, rows, "  ")
}

// writeTable pads columns by display width so wide runes line up.
func writeTable(out io.Writer, rows [][]string, indent string) {
	var widths []int
	for _, row := range rows {
		for i, cell := range row {
			if i >= len(widths) {
				widths = append(widths, 0)
			}
			widths[i] = max(widths[i], runewidth.StringWidth(cell))
		}
	}
	for _, row := range rows {
		fmt.Fprint(out, indent)
		for i, cell := range row {
			if i == len(row)-1 {
				fmt.Fprint(out, cell)
				break
			}
			fmt.Fprint(out, runewidth.FillRight(cell, widths[i]+2))
		}
		fmt.Fprintln(out)
	}
}
