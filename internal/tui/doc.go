// Package tui provides the live task view for the run command.
//
// The view polls a Source for the task list and status counts at a fixed
// refresh rate, and shows store lifecycle events in a log panel as they
// arrive on the events channel. From the task table the selected task can
// be cancelled or reprioritized.
//
// Usage:
//
//	events := make(chan store.Event, 256)
//	orch, err := orchestra.New(cfg, orchestra.WithEventHandler(tui.Forward(events)))
//	...
//	program, _ := tui.NewProgram(orch, events, cfg.TUI.RefreshRate)
//	_, err = program.Run()
//
// Keys: tab switches between the task table and the event log, c cancels
// the selected task, + and - change its priority, f cycles the status
// filter, q quits.
package tui
