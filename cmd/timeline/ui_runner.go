package main

import (
	"context"
	"errors"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"timeline/internal/task"
	"timeline/internal/ui"
)

// sinkFactory returns the progress sink for one item of a command, or nil.
type sinkFactory func(item string) task.ProgressSink

// withProgress runs work, showing the progress view when the session has a
// UI. Quitting the view cancels the context passed to work.
func (s *session) withProgress(ctx context.Context, title string, items []string, work func(ctx context.Context, sinks sinkFactory) error) error {
	if !s.useUI {
		return work(ctx, func(string) task.ProgressSink { return nil })
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan ui.Event, 256)
	outcome := make(chan error, 1)
	go func() {
		err := work(ctx, func(item string) task.ProgressSink {
			return ui.Sink{Item: item, Ch: events}
		})
		close(events)
		outcome <- err
	}()

	model := ui.NewProgressModel(title, items, events)
	program := tea.NewProgram(model, tea.WithOutput(os.Stdout), tea.WithContext(ctx))
	_, uiErr := program.Run()
	// The view may quit early; keep draining so terminal updates never block.
	cancel()
	go func() {
		for range events {
		}
	}()

	err := <-outcome
	if uiErr != nil && !errors.Is(uiErr, tea.ErrProgramKilled) && err == nil {
		return uiErr
	}
	return err
}

// awaitOperation waits for op. A canceled ctx cancels op and waits for it to
// settle, so the manager is idle when this returns.
func awaitOperation(ctx context.Context, op *task.Operation) error {
	err := op.Wait(ctx)
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		op.Cancel()
		<-op.Done()
		return task.ErrCanceled
	}
	return err
}
