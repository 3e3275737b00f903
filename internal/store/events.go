package store

import (
	"sync/atomic"
	"time"

	"github.com/ShayCichocki/orchestra/internal/logging"
	"github.com/ShayCichocki/orchestra/pkg/models"
)

// EventType represents the type of task lifecycle event.
type EventType string

const (
	// EventTaskCreated indicates a task was stored.
	EventTaskCreated EventType = "task_created"
	// EventTaskReady indicates a task entered the ready-queue.
	EventTaskReady EventType = "task_ready"
	// EventTaskDispatched indicates a task was claimed for execution.
	EventTaskDispatched EventType = "task_dispatched"
	// EventTaskRequeued indicates a claim was rolled back.
	EventTaskRequeued EventType = "task_requeued"
	// EventTaskCompleted indicates a task completed successfully.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskFailed indicates a task failed.
	EventTaskFailed EventType = "task_failed"
	// EventTaskCancelled indicates a task was cancelled.
	EventTaskCancelled EventType = "task_cancelled"
	// EventCancelRequested indicates cancellation was asked for on a running task.
	EventCancelRequested EventType = "cancel_requested"
	// EventPriorityChanged indicates a queued task was reprioritized.
	EventPriorityChanged EventType = "priority_changed"
)

// emitWait is how long Emit waits for a subscriber to make room.
const emitWait = 100 * time.Millisecond

// Event is a task lifecycle notification. Events are emitted after the
// store lock is released, so a subscriber may observe the task in a later
// state than the event describes.
type Event struct {
	Type         EventType
	TaskID       string
	TemplateName string
	Status       models.TaskStatus
	Priority     int
	Message      string
	Timestamp    time.Time
}

// EventEmitter fans store events out to a single subscriber, such as the
// TUI or the event logger.
type EventEmitter struct {
	events       chan Event
	droppedCount atomic.Uint64
	// subscribed is set by the first call to Events. Until then nobody
	// drains the buffer and a full buffer drops at once.
	subscribed atomic.Bool
	logger     *logging.Logger
}

// NewEventEmitter creates a new EventEmitter with the given buffer size.
func NewEventEmitter(bufferSize int, logger *logging.Logger) *EventEmitter {
	if logger == nil {
		logger = logging.Nop()
	}
	return &EventEmitter{
		events: make(chan Event, bufferSize),
		logger: logger,
	}
}

// Emit sends an event. If the buffer is full it waits briefly for the
// subscriber to drain before dropping the event; without a subscriber it
// drops immediately.
func (e *EventEmitter) Emit(event Event) {
	select {
	case e.events <- event:
		return
	default:
	}
	if !e.subscribed.Load() {
		e.drop(event)
		return
	}

	t := time.NewTimer(emitWait)
	defer t.Stop()
	select {
	case e.events <- event:
	case <-t.C:
		e.drop(event)
	}
}

func (e *EventEmitter) drop(event Event) {
	count := e.droppedCount.Add(1)
	if count%10 == 1 {
		e.logger.WarnCtx("event buffer full, dropping event", map[string]any{
			"dropped": count,
			"type":    string(event.Type),
			"task_id": event.TaskID,
		})
	}
}

// DroppedCount returns the total number of events that have been dropped.
func (e *EventEmitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns a read-only channel of events and marks the emitter as
// subscribed.
func (e *EventEmitter) Events() <-chan Event {
	e.subscribed.Store(true)
	return e.events
}

// Close closes the events channel. Emit must not be called afterwards.
func (e *EventEmitter) Close() {
	close(e.events)
}
