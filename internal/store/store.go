// Package store is the authoritative repository of task records.
//
// Every mutation goes through one lock, so readers always see a task either
// before or after a transition, never in between. The store owns the
// dependency scheduler's view of the world: it admits new tasks, tells the
// scheduler when a task completes and retires tasks that can no longer run.
// Lock order is store, then scheduler; the scheduler never calls back into
// the store except through the satisfied callback during admission.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/orchestra/internal/logging"
	"github.com/ShayCichocki/orchestra/internal/scheduler"
	"github.com/ShayCichocki/orchestra/internal/templates"
	"github.com/ShayCichocki/orchestra/pkg/models"
)

// DefaultListLimit is used by List when no positive limit is given.
const DefaultListLimit = 100

// TemplateSource looks up templates and checks parameter sets against them.
type TemplateSource interface {
	Get(name string) (*models.Template, error)
	ValidateParameters(name string, given map[string]any) (templates.ValidationResult, error)
}

// Backend persists task records. A nil backend keeps tasks in memory only.
type Backend interface {
	SaveTask(t *models.Task) error
	LoadTasks() ([]*models.Task, error)
}

// Canceller is signalled when cancellation is requested for a running task.
type Canceller interface {
	Cancel(taskID string)
}

// CreateRequest holds the arguments to Create.
type CreateRequest struct {
	Template   string         `json:"template_name" yaml:"template"`
	Parameters map[string]any `json:"parameters" yaml:"parameters"`
	// Priority defaults to models.DefaultPriority when zero.
	Priority  int      `json:"priority" yaml:"priority"`
	DependsOn []string `json:"depends_on" yaml:"depends_on"`
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Status   models.TaskStatus
	Template string
}

type record struct {
	task *models.Task
	// done is closed when the task reaches a terminal status.
	done chan struct{}
}

// Store holds every task for the lifetime of the process.
type Store struct {
	mu    sync.RWMutex
	tasks map[string]*record
	seq   uint64

	templates TemplateSource
	sched     *scheduler.Scheduler
	backend   Backend
	events    *EventEmitter
	logger    *logging.Logger
	cascade   bool

	cancelMu  sync.RWMutex
	canceller Canceller

	now   func() time.Time
	newID func() string
}

// Option configures a Store.
type Option func(*Store)

// WithBackend persists every change through b.
func WithBackend(b Backend) Option {
	return func(s *Store) { s.backend = b }
}

// WithEvents emits lifecycle events through e.
func WithEvents(e *EventEmitter) Option {
	return func(s *Store) { s.events = e }
}

// WithLogger sets the store logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithCascade controls whether a failed or cancelled task cancels its
// queued dependents. Enabled by default.
func WithCascade(enabled bool) Option {
	return func(s *Store) { s.cascade = enabled }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator overrides task ID generation.
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) { s.newID = gen }
}

// New creates a store that validates against tpls and schedules through sched.
func New(tpls TemplateSource, sched *scheduler.Scheduler, opts ...Option) *Store {
	s := &Store{
		tasks:     make(map[string]*record),
		templates: tpls,
		sched:     sched,
		logger:    logging.Nop(),
		cascade:   true,
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetCanceller installs the component signalled on cancellation of running
// tasks. It may be called after construction because the worker pool itself
// depends on the store.
func (s *Store) SetCanceller(c Canceller) {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	s.canceller = c
}

// Scheduler returns the dependency scheduler the store feeds.
func (s *Store) Scheduler() *scheduler.Scheduler { return s.sched }

// Create validates and stores a new queued task. A task without
// dependencies enters the ready-queue immediately.
func (s *Store) Create(ctx context.Context, req CreateRequest) (*models.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := s.templates.Get(req.Template); err != nil {
		return nil, err
	}
	res, err := s.templates.ValidateParameters(req.Template, req.Parameters)
	if err != nil {
		return nil, err
	}
	if err := res.Err(req.Template); err != nil {
		return nil, err
	}
	priority := req.Priority
	if priority == 0 {
		priority = models.DefaultPriority
	}
	if !models.ValidPriority(priority) {
		return nil, priorityError(req.Template, priority)
	}
	deps := dedupe(req.DependsOn)

	s.mu.Lock()
	for _, dep := range deps {
		if _, ok := s.tasks[dep]; !ok {
			s.mu.Unlock()
			return nil, models.Errorf(models.ErrUnknownDependency, "task %s does not exist", dep)
		}
	}

	s.seq++
	task := &models.Task{
		ID:           s.newID(),
		TemplateName: req.Template,
		Parameters:   cloneParams(req.Parameters),
		Priority:     priority,
		DependsOn:    deps,
		Status:       models.TaskStatusQueued,
		CreatedAt:    s.now(),
		Seq:          s.seq,
	}
	if _, exists := s.tasks[task.ID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("task id collision: %s", task.ID)
	}
	rec := &record{task: task, done: make(chan struct{})}
	events := []Event{s.eventLocked(EventTaskCreated, task, "")}

	blocker := s.blockingDependencyLocked(deps)
	if blocker != nil && s.cascade {
		if err := s.sched.Track(task.ID, deps); err != nil {
			s.mu.Unlock()
			return nil, err
		}
		s.tasks[task.ID] = rec
		events = append(events, s.finishLocked(rec, models.TaskStatusCancelled, models.Outcome{
			Error: fmt.Sprintf("dependency %s is %s", blocker.ID, blocker.Status),
		})...)
	} else {
		ready, err := s.sched.Admit(task.ID, task.Priority, task.Seq, deps, s.completedLocked)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		s.tasks[task.ID] = rec
		if ready {
			events = append(events, s.eventLocked(EventTaskReady, task, ""))
		}
	}

	if err := s.persistLocked(task); err != nil {
		delete(s.tasks, task.ID)
		s.sched.Forget(task.ID)
		s.mu.Unlock()
		return nil, fmt.Errorf("persist task: %w", err)
	}
	out := task.Clone()
	s.mu.Unlock()

	s.emit(events...)
	return out, nil
}

// Get returns a copy of the task.
func (s *Store) Get(id string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tasks[id]
	if !ok {
		return nil, notFound(id)
	}
	return rec.task.Clone(), nil
}

// CancelRequested reports whether cancellation was asked for on id.
func (s *Store) CancelRequested(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tasks[id]
	return ok && rec.task.CancelRequested
}

// List returns tasks matching f, newest first, paginated by limit and
// offset. A non-positive limit means DefaultListLimit.
func (s *Store) List(f Filter, limit, offset int) []*models.Task {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	s.mu.RLock()
	matched := make([]*models.Task, 0, len(s.tasks))
	for _, rec := range s.tasks {
		if f.Status != "" && rec.task.Status != f.Status {
			continue
		}
		if f.Template != "" && rec.task.TemplateName != f.Template {
			continue
		}
		matched = append(matched, rec.task)
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.Seq > b.Seq
	})
	if offset >= len(matched) {
		s.mu.RUnlock()
		return []*models.Task{}
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	out := make([]*models.Task, 0, end-offset)
	for _, t := range matched[offset:end] {
		out = append(out, t.Clone())
	}
	s.mu.RUnlock()
	return out
}

// Counts returns the number of tasks per status.
func (s *Store) Counts() map[models.TaskStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[models.TaskStatus]int, 5)
	for _, rec := range s.tasks {
		counts[rec.task.Status]++
	}
	return counts
}

// UpdatePriority changes the priority of a queued task.
func (s *Store) UpdatePriority(id string, priority int) (*models.Task, error) {
	s.mu.Lock()
	rec, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return nil, notFound(id)
	}
	task := rec.task
	if task.Status != models.TaskStatusQueued {
		s.mu.Unlock()
		return nil, &models.StateError{TaskID: id, Op: "update priority of", Status: task.Status}
	}
	if !models.ValidPriority(priority) {
		s.mu.Unlock()
		return nil, priorityError(task.TemplateName, priority)
	}
	task.Priority = priority
	s.sched.Reprioritize(id, priority)
	s.persistWarnLocked(task)
	ev := s.eventLocked(EventPriorityChanged, task, "")
	out := task.Clone()
	s.mu.Unlock()

	s.emit(ev)
	return out, nil
}

// Wait blocks until the task reaches a terminal status or ctx is done.
func (s *Store) Wait(ctx context.Context, id string) (*models.Task, error) {
	s.mu.RLock()
	rec, ok := s.tasks[id]
	s.mu.RUnlock()
	if !ok {
		return nil, notFound(id)
	}
	select {
	case <-rec.done:
		return s.Get(id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of stored tasks.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// completedLocked is the scheduler's satisfied callback.
func (s *Store) completedLocked(id string) bool {
	rec, ok := s.tasks[id]
	return ok && rec.task.Status == models.TaskStatusCompleted
}

// blockingDependencyLocked returns the first dependency that can never
// complete, or nil.
func (s *Store) blockingDependencyLocked(deps []string) *models.Task {
	for _, dep := range deps {
		t := s.tasks[dep].task
		if t.Status == models.TaskStatusFailed || t.Status == models.TaskStatusCancelled {
			return t
		}
	}
	return nil
}

func (s *Store) persistLocked(t *models.Task) error {
	if s.backend == nil {
		return nil
	}
	return s.backend.SaveTask(t)
}

// persistWarnLocked persists t, logging instead of failing. The in-memory
// record stays authoritative for the rest of the process lifetime.
func (s *Store) persistWarnLocked(t *models.Task) {
	if err := s.persistLocked(t); err != nil {
		s.logger.WarnCtx("persist task failed", map[string]any{
			"task_id": t.ID,
			"status":  string(t.Status),
			"error":   err.Error(),
		})
	}
}

func (s *Store) eventLocked(typ EventType, t *models.Task, msg string) Event {
	return Event{
		Type:         typ,
		TaskID:       t.ID,
		TemplateName: t.TemplateName,
		Status:       t.Status,
		Priority:     t.Priority,
		Message:      msg,
		Timestamp:    s.now(),
	}
}

func (s *Store) emit(events ...Event) {
	for _, ev := range events {
		s.logger.DebugCtx("task event", map[string]any{
			"type":    string(ev.Type),
			"task_id": ev.TaskID,
			"status":  string(ev.Status),
		})
		if s.events != nil {
			s.events.Emit(ev)
		}
	}
}

func (s *Store) cancellerFor() Canceller {
	s.cancelMu.RLock()
	defer s.cancelMu.RUnlock()
	return s.canceller
}

func notFound(id string) error {
	return models.Errorf(models.ErrNotFound, "task %s", id)
}

func priorityError(template string, p int) error {
	return &models.ParameterError{
		Template: template,
		Reason:   fmt.Sprintf("priority %d outside [%d, %d]", p, models.MinPriority, models.MaxPriority),
	}
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func cloneParams(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return (&models.Task{Parameters: m}).Clone().Parameters
}
