package models

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every error returned by the orchestration core matches exactly
// one of these with errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidParameters = errors.New("invalid parameters")
	ErrInvalidState      = errors.New("invalid state")
	ErrCyclicDependency  = errors.New("cyclic dependency")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrDispatchFailure   = errors.New("dispatch failure")
	ErrStepExecution     = errors.New("step execution error")
)

// Error is a kinded error with a human readable message.
type Error struct {
	Kind error
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Kind }

// Errorf builds an *Error of the given kind.
func Errorf(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// ParameterError reports why a parameter set does not fit a template.
type ParameterError struct {
	Template   string
	Missing    []string
	Unexpected []string
	Mismatched []string
	Reason     string
}

func (e *ParameterError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unexpected) > 0 {
		parts = append(parts, "unexpected: "+strings.Join(e.Unexpected, ", "))
	}
	if len(e.Mismatched) > 0 {
		parts = append(parts, "wrong type: "+strings.Join(e.Mismatched, ", "))
	}
	if e.Reason != "" {
		parts = append(parts, e.Reason)
	}
	if e.Template != "" {
		return fmt.Sprintf("invalid parameters for template %q: %s", e.Template, strings.Join(parts, "; "))
	}
	return "invalid parameters: " + strings.Join(parts, "; ")
}

func (e *ParameterError) Unwrap() error { return ErrInvalidParameters }

// StateError reports an operation that the task's current status does not allow.
type StateError struct {
	TaskID string
	Op     string
	Status TaskStatus
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s task %s in status %s", e.Op, e.TaskID, e.Status)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }

// StepError wraps the failure of a single step. It matches both
// ErrStepExecution and the underlying cause.
type StepError struct {
	Step  string
	Kind  StepKind
	Cause error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %q (%s) failed: %v", e.Step, e.Kind, e.Cause)
}

func (e *StepError) Unwrap() []error {
	return []error{ErrStepExecution, e.Cause}
}
