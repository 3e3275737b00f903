// Package dispatch moves ready tasks from the scheduler to the transport and
// the worker pool.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ShayCichocki/orchestra/internal/logging"
	"github.com/ShayCichocki/orchestra/internal/transport"
	"github.com/ShayCichocki/orchestra/internal/worker"
	"github.com/ShayCichocki/orchestra/pkg/models"
)

// Queue yields ready task IDs, blocking while none are ready.
type Queue interface {
	Pop(ctx context.Context) (string, error)
}

// TaskStore is the part of the task store the dispatcher drives.
type TaskStore interface {
	Claim(id string) (*models.Task, error)
	Release(id string, cause error) (*models.Task, error)
	CancelRequested(id string) bool
}

// Submitter accepts claimed tasks for local execution.
type Submitter interface {
	WaitIdle(ctx context.Context) error
	Submit(ctx context.Context, job worker.Job) error
}

// Config holds the dispatcher collaborators.
type Config struct {
	Queue     Queue
	Store     TaskStore
	Transport transport.Transport
	// Pool is nil in remote mode, where workers in other processes consume
	// the transport. Nothing then holds back claims: every ready task is
	// published at once and priority only orders publication.
	Pool Submitter
	// RetryBackoff is the pause after a transport failure.
	RetryBackoff time.Duration
	Logger       *logging.Logger
}

// Dispatcher is the single loop that claims ready tasks.
type Dispatcher struct {
	cfg    Config
	logger *logging.Logger

	dispatched atomic.Int64
	failures   atomic.Int64
}

// New creates a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Queue == nil || cfg.Store == nil || cfg.Transport == nil {
		return nil, fmt.Errorf("queue, store and transport are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Dispatcher{cfg: cfg, logger: logger}, nil
}

// Run dispatches until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.InfoCtx("dispatcher started", map[string]any{"local_pool": d.cfg.Pool != nil})
	for {
		// Wait for capacity before popping so a task that becomes ready
		// meanwhile still competes on priority.
		if d.cfg.Pool != nil {
			if err := d.cfg.Pool.WaitIdle(ctx); err != nil {
				return d.stopped(ctx, fmt.Errorf("wait for worker: %w", err))
			}
		}
		id, err := d.cfg.Queue.Pop(ctx)
		if err != nil {
			return d.stopped(ctx, fmt.Errorf("pop ready task: %w", err))
		}
		if err := d.dispatch(ctx, id); err != nil {
			d.failures.Add(1)
			sleep(ctx, d.cfg.RetryBackoff)
		}
	}
}

func (d *Dispatcher) stopped(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}
	d.logger.InfoCtx("dispatcher stopped", map[string]any{
		"dispatched": d.dispatched.Load(),
		"failures":   d.failures.Load(),
	})
	return nil
}

// Dispatched returns the number of tasks handed off.
func (d *Dispatcher) Dispatched() int64 { return d.dispatched.Load() }

// Failures returns the number of dispatch failures.
func (d *Dispatcher) Failures() int64 { return d.failures.Load() }

// dispatch claims id and hands it off. A returned error means the task was
// rolled back to queued.
func (d *Dispatcher) dispatch(ctx context.Context, id string) error {
	log := d.logger.WithTask(id)

	task, err := d.cfg.Store.Claim(id)
	if err != nil {
		// Cancelled or already claimed since it became ready.
		if errors.Is(err, models.ErrInvalidState) || errors.Is(err, models.ErrNotFound) {
			log.DebugCtx("skipping ready task", map[string]any{"reason": err.Error()})
			return nil
		}
		log.ErrorCtx("claim failed", map[string]any{"error": err.Error()})
		return nil
	}

	msg := models.NewDispatchMessage(task)
	if err := d.cfg.Transport.Publish(ctx, msg); err != nil {
		cause := models.Errorf(models.ErrDispatchFailure, "publish task %s: %v", id, err)
		d.rollback(log, id, cause)
		return cause
	}

	if d.cfg.Pool != nil {
		job := worker.Job{Message: msg, CancelRequested: d.cfg.Store.CancelRequested(id)}
		if err := d.cfg.Pool.Submit(ctx, job); err != nil {
			cause := models.Errorf(models.ErrDispatchFailure, "submit task %s: %v", id, err)
			d.rollback(log, id, cause)
			return cause
		}
	}

	d.dispatched.Add(1)
	log.DebugCtx("task dispatched", map[string]any{
		"template": task.TemplateName,
		"priority": task.Priority,
	})
	return nil
}

func (d *Dispatcher) rollback(log *logging.Logger, id string, cause error) {
	log.WarnCtx("dispatch failed, releasing task", map[string]any{"error": cause.Error()})
	if _, err := d.cfg.Store.Release(id, cause); err != nil {
		log.ErrorCtx("release failed", map[string]any{"error": err.Error()})
	}
}

func sleep(ctx context.Context, dur time.Duration) {
	if dur <= 0 {
		return
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
