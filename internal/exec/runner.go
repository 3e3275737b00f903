package exec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	osexec "os/exec"
	"sort"
	"time"
)

// ExecRunner implements CommandRunner using os/exec.
type ExecRunner struct {
	// Shell is the interpreter used by RunShell.
	Shell string
}

// NewRunner creates a new ExecRunner using sh.
func NewRunner() *ExecRunner {
	return &ExecRunner{Shell: "sh"}
}

// Run executes a command, capturing stdout and stderr separately.
func (r *ExecRunner) Run(ctx context.Context, c Command, name string, args ...string) (*Result, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := osexec.CommandContext(ctx, name, args...)
	if c.Dir != "" {
		cmd.Dir = c.Dir
	}
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), envList(c.Env)...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Children of a killed shell can hold the pipes open.
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err == nil {
		return res, nil
	}

	var exitErr *osexec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
	} else {
		res.ExitCode = -1
	}
	if ctx.Err() != nil {
		return res, fmt.Errorf("%s: %w", name, ctx.Err())
	}
	return res, fmt.Errorf("%s exited with code %d: %w", name, res.ExitCode, err)
}

// RunShell executes a shell command through "sh -c".
func (r *ExecRunner) RunShell(ctx context.Context, c Command, script string) (*Result, error) {
	shell := r.Shell
	if shell == "" {
		shell = "sh"
	}
	return r.Run(ctx, c, shell, "-c", script)
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// Verify ExecRunner implements CommandRunner at compile time.
var _ CommandRunner = (*ExecRunner)(nil)
