// Package tui provides the terminal dashboard for `troupe run --tui`.
//
// The dashboard is read-only. It shows every registered agent with its
// status and detected state, the most recent orchestrator events, and a
// status line per workflow. Users can only quit with 'q' or Ctrl+C.
//
// Usage:
//
//	sub := orch.Subscribe(0)
//	program := tea.NewProgram(tui.New(orch, sub.Events()))
//	go func() {
//	    err := run()
//	    program.Send(tui.DoneMsg{Err: err})
//	}()
//	_, err := program.Run()
package tui
