// Package beat creates tasks on a schedule.
// Schedules use standard five-field cron expressions or descriptors such as
// "@hourly" and "@every 10m".
package beat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ShayCichocki/orchestra/internal/logging"
	"github.com/ShayCichocki/orchestra/internal/store"
	"github.com/ShayCichocki/orchestra/pkg/models"
)

var (
	// ErrAlreadyRunning is returned by Start on a running beat.
	ErrAlreadyRunning = errors.New("beat already running")
	// ErrNotRunning is returned by Stop on a stopped beat.
	ErrNotRunning = errors.New("beat not running")
	// ErrNoSchedule is returned by Start when nothing is scheduled.
	ErrNoSchedule = errors.New("no schedules configured")
)

// Creator submits tasks.
type Creator interface {
	Create(ctx context.Context, req store.CreateRequest) (*models.Task, error)
}

// Schedule creates a task from Request every time Spec fires.
type Schedule struct {
	Name    string
	Spec    string
	Request store.CreateRequest
}

// Status describes one registered schedule.
type Status struct {
	Name     string
	Spec     string
	Template string
	Next     time.Time
	Prev     time.Time
	Fired    int64
	LastTask string
	LastErr  string
}

type entry struct {
	sched Schedule
	id    cron.EntryID
	fired atomic.Int64

	mu       sync.Mutex
	lastTask string
	lastErr  string
}

// Beat runs schedules on a cron.
type Beat struct {
	creator Creator
	logger  *logging.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]*entry
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

// New creates an empty Beat.
func New(creator Creator, logger *logging.Logger) *Beat {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Beat{
		creator: creator,
		logger:  logger,
		cron:    cron.New(),
		entries: make(map[string]*entry),
	}
}

// Add registers a schedule. Names must be unique; an empty name defaults to
// the template name.
func (b *Beat) Add(s Schedule) error {
	if s.Name == "" {
		s.Name = s.Request.Template
	}
	if s.Request.Template == "" {
		return fmt.Errorf("schedule %q: template is required", s.Name)
	}
	if _, err := cron.ParseStandard(s.Spec); err != nil {
		return fmt.Errorf("schedule %q: invalid spec %q: %w", s.Name, s.Spec, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, dup := b.entries[s.Name]; dup {
		return fmt.Errorf("schedule %q already exists", s.Name)
	}
	e := &entry{sched: s}
	id, err := b.cron.AddFunc(s.Spec, func() { b.fire(e) })
	if err != nil {
		return fmt.Errorf("schedule %q: %w", s.Name, err)
	}
	e.id = id
	b.entries[s.Name] = e
	return nil
}

// Start begins firing schedules. Tasks are created with ctx until Stop.
func (b *Beat) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return ErrAlreadyRunning
	}
	if len(b.entries) == 0 {
		return ErrNoSchedule
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.cron.Start()
	b.running = true
	b.logger.InfoCtx("beat started", map[string]any{"schedules": len(b.entries)})
	return nil
}

// Stop stops firing and waits for running submissions.
func (b *Beat) Stop() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return ErrNotRunning
	}
	b.running = false
	cancel := b.cancel
	stopped := b.cron.Stop()
	b.mu.Unlock()

	<-stopped.Done()
	cancel()
	b.logger.Info("beat stopped")
	return nil
}

// IsRunning reports whether the beat is firing.
func (b *Beat) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Fire runs the named schedule now, outside its cron timing.
func (b *Beat) Fire(ctx context.Context, name string) (*models.Task, error) {
	b.mu.Lock()
	e, ok := b.entries[name]
	b.mu.Unlock()
	if !ok {
		return nil, models.Errorf(models.ErrNotFound, "schedule %q not found", name)
	}
	return b.submit(ctx, e)
}

// Statuses returns every schedule ordered by name.
func (b *Beat) Statuses() []Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Status, 0, len(b.entries))
	for _, e := range b.entries {
		ce := b.cron.Entry(e.id)
		e.mu.Lock()
		out = append(out, Status{
			Name:     e.sched.Name,
			Spec:     e.sched.Spec,
			Template: e.sched.Request.Template,
			Next:     ce.Next,
			Prev:     ce.Prev,
			Fired:    e.fired.Load(),
			LastTask: e.lastTask,
			LastErr:  e.lastErr,
		})
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (b *Beat) fire(e *entry) {
	b.mu.Lock()
	ctx := b.ctx
	b.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	_, _ = b.submit(ctx, e)
}

func (b *Beat) submit(ctx context.Context, e *entry) (*models.Task, error) {
	req := e.sched.Request
	req.Parameters = copyParams(req.Parameters)
	req.DependsOn = nil

	task, err := b.creator.Create(ctx, req)
	e.fired.Add(1)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.lastErr = err.Error()
		b.logger.WarnCtx("scheduled task rejected", map[string]any{
			"schedule": e.sched.Name,
			"template": req.Template,
			"error":    err.Error(),
		})
		return nil, err
	}
	e.lastTask = task.ID
	e.lastErr = ""
	b.logger.InfoCtx("scheduled task created", map[string]any{
		"schedule": e.sched.Name,
		"task_id":  task.ID,
	})
	return task, nil
}

func copyParams(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
