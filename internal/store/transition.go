package store

import (
	"fmt"

	"github.com/ShayCichocki/orchestra/pkg/models"
)

// Transition moves a task along the lifecycle and records the outcome on
// terminal states. Repeating a terminal transition with an equal outcome is
// a no-op, so duplicate worker reports are harmless. A queued to running
// transition goes through Claim.
func (s *Store) Transition(id string, status models.TaskStatus, outcome models.Outcome) (*models.Task, error) {
	if !status.Valid() {
		return nil, models.Errorf(models.ErrInvalidState, "unknown status %q", status)
	}
	if status == models.TaskStatusRunning {
		return s.Claim(id)
	}

	s.mu.Lock()
	rec, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return nil, notFound(id)
	}
	task := rec.task
	if task.Status == status && status.IsTerminal() {
		current := models.Outcome{Result: task.Result, Error: task.Error}
		out := task.Clone()
		s.mu.Unlock()
		if current.Equal(outcome) {
			return out, nil
		}
		return nil, &models.StateError{TaskID: id, Op: "change the outcome of", Status: status}
	}
	if !task.Status.CanTransitionTo(status) {
		s.mu.Unlock()
		return nil, &models.StateError{TaskID: id, Op: "transition to " + string(status) + " the", Status: task.Status}
	}
	if task.Status == models.TaskStatusQueued && status != models.TaskStatusCancelled {
		s.mu.Unlock()
		return nil, &models.StateError{TaskID: id, Op: "finish unclaimed", Status: task.Status}
	}

	events := s.finishLocked(rec, status, outcome)
	out := task.Clone()
	s.mu.Unlock()

	s.emit(events...)
	return out, nil
}

// Cancel cancels a queued task immediately. For a running task it records
// the request and signals the canceller; the worker observes it between
// steps. Terminal tasks cannot be cancelled.
func (s *Store) Cancel(id string) error {
	s.mu.Lock()
	rec, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return notFound(id)
	}
	task := rec.task
	switch task.Status {
	case models.TaskStatusQueued:
		events := s.finishLocked(rec, models.TaskStatusCancelled, models.Outcome{Error: models.CancelledByRequest})
		s.mu.Unlock()
		s.emit(events...)
		return nil

	case models.TaskStatusRunning:
		if task.CancelRequested {
			s.mu.Unlock()
			return nil
		}
		task.CancelRequested = true
		s.persistWarnLocked(task)
		ev := s.eventLocked(EventCancelRequested, task, "")
		s.mu.Unlock()

		if c := s.cancellerFor(); c != nil {
			c.Cancel(id)
		}
		s.emit(ev)
		return nil

	default:
		st := task.Status
		s.mu.Unlock()
		return &models.StateError{TaskID: id, Op: "cancel", Status: st}
	}
}

// Claim atomically moves an eligible queued task to running. It is the
// only way a task starts, so two dispatchers racing for the same ID cannot
// both win.
func (s *Store) Claim(id string) (*models.Task, error) {
	s.mu.Lock()
	rec, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return nil, notFound(id)
	}
	task := rec.task
	if task.Status != models.TaskStatusQueued {
		s.mu.Unlock()
		return nil, &models.StateError{TaskID: id, Op: "claim", Status: task.Status}
	}
	for _, dep := range task.DependsOn {
		if !s.completedLocked(dep) {
			s.mu.Unlock()
			return nil, models.Errorf(models.ErrInvalidState, "task %s is waiting on %s", id, dep)
		}
	}

	now := s.now()
	task.Status = models.TaskStatusRunning
	task.StartedAt = &now
	s.sched.Forget(id)
	s.persistWarnLocked(task)
	ev := s.eventLocked(EventTaskDispatched, task, "")
	out := task.Clone()
	s.mu.Unlock()

	s.emit(ev)
	return out, nil
}

// Release rolls a claimed task back to queued after the transport refused
// it, so it stays eligible for a later dispatch. A task whose cancellation
// was requested meanwhile is cancelled instead.
func (s *Store) Release(id string, cause error) (*models.Task, error) {
	s.mu.Lock()
	rec, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return nil, notFound(id)
	}
	task := rec.task
	if task.Status != models.TaskStatusRunning {
		s.mu.Unlock()
		return nil, &models.StateError{TaskID: id, Op: "release", Status: task.Status}
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	if task.CancelRequested {
		events := s.finishLocked(rec, models.TaskStatusCancelled, models.Outcome{Error: models.CancelledByRequest})
		out := task.Clone()
		s.mu.Unlock()
		s.emit(events...)
		return out, nil
	}

	task.Status = models.TaskStatusQueued
	task.StartedAt = nil
	if err := s.sched.Requeue(id); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("requeue %s: %w", id, err)
	}
	s.persistWarnLocked(task)
	ev := s.eventLocked(EventTaskRequeued, task, msg)
	out := task.Clone()
	s.mu.Unlock()

	s.emit(ev)
	return out, nil
}

// finishLocked applies a terminal status, updates the scheduler and, for
// failures and cancellations, cascades to queued dependents.
func (s *Store) finishLocked(rec *record, status models.TaskStatus, outcome models.Outcome) []Event {
	task := rec.task
	now := s.now()
	task.Status = status
	task.CompletedAt = &now
	task.Result = nil
	if outcome.Result != nil {
		task.Result = cloneParams(outcome.Result)
	}
	task.Error = outcome.Error
	close(rec.done)
	s.persistWarnLocked(task)

	var events []Event
	switch status {
	case models.TaskStatusCompleted:
		events = append(events, s.eventLocked(EventTaskCompleted, task, ""))
		for _, woke := range s.sched.OnCompleted(task.ID) {
			events = append(events, s.eventLocked(EventTaskReady, s.tasks[woke].task, ""))
		}
	case models.TaskStatusFailed:
		events = append(events, s.eventLocked(EventTaskFailed, task, task.Error))
		s.sched.Forget(task.ID)
		events = append(events, s.cascadeLocked(task)...)
	case models.TaskStatusCancelled:
		events = append(events, s.eventLocked(EventTaskCancelled, task, task.Error))
		s.sched.Forget(task.ID)
		events = append(events, s.cascadeLocked(task)...)
	}
	return events
}

// cascadeLocked cancels every queued task that transitively depends on
// origin, which can no longer complete.
func (s *Store) cascadeLocked(origin *models.Task) []Event {
	if !s.cascade {
		return nil
	}
	var events []Event
	for _, id := range s.sched.Dependents(origin.ID) {
		rec, ok := s.tasks[id]
		if !ok || rec.task.Status != models.TaskStatusQueued {
			continue
		}
		// finishLocked recurses into the dependent's own dependents.
		events = append(events, s.finishLocked(rec, models.TaskStatusCancelled, models.Outcome{
			Error: fmt.Sprintf("dependency %s is %s", origin.ID, origin.Status),
		})...)
	}
	return events
}
