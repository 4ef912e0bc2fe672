package main

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/ShayCichocki/troupe/internal/orchestrator"
	"github.com/ShayCichocki/troupe/internal/tui"
)

// runWithTUI runs work while the dashboard shows orchestrator events. The
// dashboard stays open after work finishes until the user quits; quitting
// early cancels work.
func runWithTUI(ctx context.Context, orch *orchestrator.Orchestrator, work func(context.Context) error) (retErr error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub := orch.Subscribe(0)
	defer sub.Close()

	program := tea.NewProgram(tui.New(orch, sub.Events()), tea.WithAltScreen(), tea.WithContext(ctx))

	workDone := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				workDone <- fmt.Errorf("panic in workflow: %v", r)
			}
		}()
		err := work(ctx)
		workDone <- err
		program.Send(tui.DoneMsg{Err: err})
	}()

	_, tuiErr := program.Run()
	cancel()
	err := <-workDone
	if err != nil {
		return err
	}
	if tuiErr != nil && ctx.Err() == nil {
		return tuiErr
	}
	return nil
}
