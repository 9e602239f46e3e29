package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"timeline/internal/event"
	"timeline/internal/notes"
)

var notesCmd = &cobra.Command{
	Use:   "notes FILE",
	Short: "List or edit the notes attached to a trace",
	Long: `Notes are kept in a YAML sidecar next to the trace (FILE.notes.yaml).
Without flags the notes are listed. --add TS:TEXT appends a note at timestamp TS,
--remove N deletes the note at index N.`,
	Args: cobra.ExactArgs(1),
	RunE: runNotes,
}

func init() {
	notesCmd.Flags().StringArray("add", nil, "add a note as TS:TEXT (repeatable)")
	notesCmd.Flags().Int64("duration", 0, "duration of added notes")
	notesCmd.Flags().Int32("type", int32(event.NoType), "event type id of added notes")
	notesCmd.Flags().IntSlice("remove", nil, "remove the notes at these indexes")
}

func runNotes(cmd *cobra.Command, args []string) error {
	s, err := sessionFor(cmd)
	if err != nil {
		return err
	}
	path := args[0]
	adds, err := cmd.Flags().GetStringArray("add")
	if err != nil {
		return fmt.Errorf("failed to get add flag: %w", err)
	}
	duration, err := cmd.Flags().GetInt64("duration")
	if err != nil {
		return fmt.Errorf("failed to get duration flag: %w", err)
	}
	typeID, err := cmd.Flags().GetInt32("type")
	if err != nil {
		return fmt.Errorf("failed to get type flag: %w", err)
	}
	removes, err := cmd.Flags().GetIntSlice("remove")
	if err != nil {
		return fmt.Errorf("failed to get remove flag: %w", err)
	}

	model, _, err := loadNotes(path)
	if err != nil {
		return err
	}
	// Highest index first so earlier removals do not shift later ones.
	for _, idx := range sortedDesc(removes) {
		if err := model.Remove(idx); err != nil {
			return err
		}
	}
	for _, arg := range adds {
		n, err := parseNote(arg)
		if err != nil {
			return err
		}
		n.Duration = duration
		n.TypeID = event.TypeID(typeID)
		model.Add(n)
	}
	if model.Modified() {
		sidecar := notes.SidecarPath(path)
		if err := model.Save(sidecar); err != nil {
			return fmt.Errorf("save notes: %w", err)
		}
		s.logger.Info("notes saved", "path", sidecar, "notes", model.Len())
	}

	if !s.quiet {
		writeNotes(cmd.OutOrStdout(), model.Notes())
	}
	return nil
}

// parseNote reads TS:TEXT.
func parseNote(arg string) (notes.Note, error) {
	tsText, text, ok := strings.Cut(arg, ":")
	if !ok || strings.TrimSpace(text) == "" {
		return notes.Note{}, fmt.Errorf("invalid note %q (expected TS:TEXT)", arg)
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(tsText), 10, 64)
	if err != nil {
		return notes.Note{}, fmt.Errorf("invalid note timestamp %q: %w", tsText, err)
	}
	return notes.Note{Timestamp: ts, TypeID: event.NoType, Text: strings.TrimSpace(text)}, nil
}

func sortedDesc(xs []int) []int {
	out := append([]int(nil), xs...)
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out
}

func writeNotes(out io.Writer, list []notes.Note) {
	if len(list) == 0 {
		fmt.Fprintln(out, "no notes")
		return
	}
	dim := color.New(color.Faint)
	rows := [][]string{{"#", "AT", "DURATION", "TYPE", "TEXT"}}
	for i, n := range list {
		typeCol := "-"
		if n.TypeID != event.NoType {
			typeCol = strconv.Itoa(int(n.TypeID))
		}
		rows = append(rows, []string{
			strconv.Itoa(i),
			strconv.FormatInt(n.Timestamp, 10),
			strconv.FormatInt(n.Duration, 10),
			typeCol,
			n.Text,
		})
	}
	writeTable(out, rows, "")
	fmt.Fprintln(out, dim.Sprintf("%d notes", len(list)))
}
