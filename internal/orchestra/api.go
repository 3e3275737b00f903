package orchestra

import (
	"context"

	"github.com/ShayCichocki/orchestra/internal/beat"
	"github.com/ShayCichocki/orchestra/internal/config"
	"github.com/ShayCichocki/orchestra/internal/llm"
	"github.com/ShayCichocki/orchestra/internal/store"
	"github.com/ShayCichocki/orchestra/internal/templates"
	"github.com/ShayCichocki/orchestra/pkg/models"
)

// CreateTask validates req against its template and queues the task.
func (o *Orchestra) CreateTask(ctx context.Context, req store.CreateRequest) (*models.Task, error) {
	return o.store.Create(ctx, req)
}

// GetTask returns a copy of the task.
func (o *Orchestra) GetTask(id string) (*models.Task, error) {
	return o.store.Get(id)
}

// ListTasks returns tasks newest first.
func (o *Orchestra) ListTasks(f store.Filter, limit, offset int) []*models.Task {
	return o.store.List(f, limit, offset)
}

// UpdatePriority changes the priority of a queued task.
func (o *Orchestra) UpdatePriority(id string, priority int) (*models.Task, error) {
	return o.store.UpdatePriority(id, priority)
}

// CancelTask cancels a queued task or asks a running one to stop.
func (o *Orchestra) CancelTask(id string) error {
	return o.store.Cancel(id)
}

// WaitTask blocks until the task reaches a terminal status or ctx is done.
func (o *Orchestra) WaitTask(ctx context.Context, id string) (*models.Task, error) {
	return o.store.Wait(ctx, id)
}

// Counts returns the number of tasks in each status.
func (o *Orchestra) Counts() map[models.TaskStatus]int {
	return o.store.Counts()
}

// Pending returns the number of tasks in the ready-queue.
func (o *Orchestra) Pending() int {
	return o.store.Scheduler().Len()
}

// Templates returns the template registry.
func (o *Orchestra) Templates() *templates.Registry {
	return o.registry
}

// Providers returns the registered model clients.
func (o *Orchestra) Providers() *llm.Providers {
	return o.providers
}

// Schedules describes the configured beat schedules. It is empty when
// none are configured.
func (o *Orchestra) Schedules() []beat.Status {
	if o.beat == nil {
		return nil
	}
	return o.beat.Statuses()
}

// FireSchedule creates the named schedule's task immediately.
func (o *Orchestra) FireSchedule(ctx context.Context, name string) (*models.Task, error) {
	if o.beat == nil {
		return nil, models.Errorf(models.ErrNotFound, "schedule %q not found", name)
	}
	return o.beat.Fire(ctx, name)
}

// Config returns the configuration the Orchestra was built from.
func (o *Orchestra) Config() *config.Config {
	return o.cfg
}
