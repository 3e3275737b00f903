// Package exec runs external commands for the shell step.
package exec

import (
	"context"
	"time"
)

// Command describes one process invocation.
type Command struct {
	// Dir is the working directory; empty means the current one.
	Dir string
	// Env is added to the parent environment.
	Env map[string]string
	// Timeout bounds the run; zero means no limit beyond ctx.
	Timeout time.Duration
}

// Result holds the captured output of a finished command.
type Result struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// CommandRunner defines the interface for running external commands.
// This abstraction allows mocking command execution in tests.
type CommandRunner interface {
	// Run executes name with args. A non-zero exit returns both the result
	// and an error.
	Run(ctx context.Context, cmd Command, name string, args ...string) (*Result, error)

	// RunShell executes a shell command through "sh -c".
	RunShell(ctx context.Context, cmd Command, script string) (*Result, error)
}
