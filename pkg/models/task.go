package models

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusQueued indicates the task is waiting for its dependencies or a free worker.
	TaskStatusQueued TaskStatus = "queued"
	// TaskStatusRunning indicates the task has been claimed and handed to a worker.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusCompleted indicates every step of the task succeeded.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates a step failed.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusCancelled indicates the task was cancelled before it finished.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusQueued, TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transitions are allowed out of s.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// CanTransitionTo reports whether the lifecycle permits moving from s to next.
//
//	queued  -> running | cancelled
//	running -> completed | failed | cancelled
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	switch s {
	case TaskStatusQueued:
		return next == TaskStatusRunning || next == TaskStatusCancelled
	case TaskStatusRunning:
		return next.IsTerminal()
	default:
		return false
	}
}

// CancelledByRequest is the error recorded on tasks cancelled through Cancel.
const CancelledByRequest = "cancelled by request"

// Priority bounds. Higher values are dispatched first.
const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// ValidPriority reports whether p is inside [MinPriority, MaxPriority].
func ValidPriority(p int) bool {
	return p >= MinPriority && p <= MaxPriority
}

// Task represents one instantiation of a template with concrete parameters.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// TemplateName references the template this task instantiates.
	TemplateName string `json:"template_name"`
	// Parameters are the values bound to the template's parameter specs.
	Parameters map[string]any `json:"parameters"`
	// Priority is in [1, 10], higher runs first.
	Priority int `json:"priority"`
	// DependsOn lists task IDs that must complete before this task.
	DependsOn []string `json:"depends_on,omitempty"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
	// StartedAt is when the task was claimed for dispatch.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the task reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// Result holds step outputs once the task completed.
	Result map[string]any `json:"result,omitempty"`
	// Error contains the error message if the task failed or was cancelled.
	Error string `json:"error,omitempty"`
	// CancelRequested is set when cancel was asked for while the task was running.
	CancelRequested bool `json:"cancel_requested,omitempty"`
	// Seq is the creation sequence number, used to break priority ties.
	Seq uint64 `json:"seq"`
}

// Clone returns a deep copy of the task so callers can never alias store state.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Parameters = cloneMap(t.Parameters)
	c.Result = cloneMap(t.Result)
	if t.DependsOn != nil {
		c.DependsOn = append([]string(nil), t.DependsOn...)
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		c.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}

// Outcome is the payload attached to a terminal transition.
type Outcome struct {
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Equal compares two outcomes by their JSON encoding, which ignores numeric
// type differences introduced by decoding (int vs float64).
func (o Outcome) Equal(other Outcome) bool {
	if o.Error != other.Error {
		return false
	}
	a, errA := json.Marshal(o.Result)
	b, errB := json.Marshal(other.Result)
	if errA != nil || errB != nil {
		return false
	}
	return string(a) == string(b)
}

// DispatchMessage is what the dispatcher hands to the transport when a task
// is claimed.
type DispatchMessage struct {
	TaskID       string         `json:"task_id"`
	TemplateName string         `json:"template_name"`
	Parameters   map[string]any `json:"parameters"`
	Priority     int            `json:"priority"`
}

// NewDispatchMessage builds the dispatch message for a claimed task.
func NewDispatchMessage(t *Task) DispatchMessage {
	return DispatchMessage{
		TaskID:       t.ID,
		TemplateName: t.TemplateName,
		Parameters:   cloneMap(t.Parameters),
		Priority:     t.Priority,
	}
}

// TaskReport is a completion or failure callback from a remote worker.
// Reports may arrive more than once.
type TaskReport struct {
	TaskID string         `json:"task_id"`
	Status TaskStatus     `json:"status"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Outcome returns the report payload.
func (r TaskReport) Outcome() Outcome {
	return Outcome{Result: r.Result, Error: r.Error}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i := range val {
			out[i] = cloneValue(val[i])
		}
		return out
	default:
		return v
	}
}
