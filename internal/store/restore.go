package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ShayCichocki/orchestra/internal/graph"
	"github.com/ShayCichocki/orchestra/pkg/models"
)

// Restore loads persisted tasks into an empty store. Tasks that were
// running when the previous process stopped go back to queued, or to
// cancelled if cancellation had been requested. Queued tasks whose
// dependencies are satisfied re-enter the ready-queue. It returns the
// number of tasks restored.
func (s *Store) Restore(ctx context.Context) (int, error) {
	if s.backend == nil {
		return 0, nil
	}
	tasks, err := s.backend.LoadTasks()
	if err != nil {
		return 0, fmt.Errorf("load tasks: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	byID := make(map[string]*models.Task, len(tasks))
	nodes := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
		nodes[t.ID] = t.DependsOn
	}
	g := graph.New()
	if err := g.Build(nodes); err != nil {
		switch {
		case errors.Is(err, graph.ErrCycleDetected):
			return 0, &models.Error{Kind: models.ErrCyclicDependency, Msg: err.Error()}
		case errors.Is(err, graph.ErrUnknownNode):
			return 0, &models.Error{Kind: models.ErrUnknownDependency, Msg: err.Error()}
		default:
			return 0, err
		}
	}
	order, err := g.TopologicalSort()
	if err != nil {
		return 0, &models.Error{Kind: models.ErrCyclicDependency, Msg: err.Error()}
	}

	s.mu.Lock()
	if len(s.tasks) > 0 {
		s.mu.Unlock()
		return 0, models.Errorf(models.ErrInvalidState, "restore into a store holding %d tasks", len(s.tasks))
	}

	var events []Event
	requeued := 0
	for _, id := range order {
		t := byID[id]
		rec := &record{task: t, done: make(chan struct{})}
		if t.Seq > s.seq {
			s.seq = t.Seq
		}

		if t.Status == models.TaskStatusRunning {
			if t.CancelRequested {
				now := s.now()
				t.Status = models.TaskStatusCancelled
				t.CompletedAt = &now
				t.Error = models.CancelledByRequest
			} else {
				t.Status = models.TaskStatusQueued
				t.StartedAt = nil
				requeued++
			}
			s.persistWarnLocked(t)
		}

		if t.Status == models.TaskStatusQueued && s.cascade {
			if blocker := s.blockingDependencyLocked(t.DependsOn); blocker != nil {
				now := s.now()
				t.Status = models.TaskStatusCancelled
				t.CompletedAt = &now
				t.Error = fmt.Sprintf("dependency %s is %s", blocker.ID, blocker.Status)
				s.persistWarnLocked(t)
			}
		}

		if t.Status == models.TaskStatusQueued {
			ready, err := s.sched.Admit(t.ID, t.Priority, t.Seq, t.DependsOn, s.completedLocked)
			if err != nil {
				s.mu.Unlock()
				return 0, fmt.Errorf("restore %s: %w", t.ID, err)
			}
			if ready {
				events = append(events, s.eventLocked(EventTaskReady, t, ""))
			}
		} else {
			if err := s.sched.Track(t.ID, t.DependsOn); err != nil {
				s.mu.Unlock()
				return 0, fmt.Errorf("restore %s: %w", t.ID, err)
			}
			close(rec.done)
		}
		s.tasks[t.ID] = rec
	}
	n := len(s.tasks)
	s.mu.Unlock()

	s.logger.InfoCtx("restored tasks", map[string]any{"tasks": n, "requeued": requeued})
	s.emit(events...)
	return n, nil
}
