// Package worker runs dispatched tasks on a fixed number of goroutines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ShayCichocki/orchestra/internal/logging"
	"github.com/ShayCichocki/orchestra/internal/steps"
	"github.com/ShayCichocki/orchestra/pkg/models"
)

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("worker pool stopped")

// pendingTTL bounds how long a cancel for a task this pool has not seen yet
// is remembered.
const pendingTTL = 5 * time.Minute

const reportTimeout = 10 * time.Second

// Reporter receives the final status of every job.
type Reporter interface {
	Report(ctx context.Context, report models.TaskReport) error
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, report models.TaskReport) error

// Report calls f.
func (f ReporterFunc) Report(ctx context.Context, report models.TaskReport) error {
	return f(ctx, report)
}

// TemplateSource resolves the template named by a dispatch message.
type TemplateSource interface {
	Get(name string) (*models.Template, error)
}

// Runner executes a template's steps.
type Runner interface {
	Run(ctx context.Context, tpl *models.Template, params map[string]any, check steps.Checkpoint) (map[string]any, error)
}

// Job is one task handed to the pool.
type Job struct {
	Message models.DispatchMessage
	// CancelRequested seeds the cancel token, for cancels that landed
	// between claim and submit.
	CancelRequested bool
}

type token struct {
	cancelled atomic.Bool
	// pending tokens were created by Cancel before the job arrived.
	pending bool
	created time.Time
}

// Pool is a fixed-size set of workers fed by an unbuffered channel, so
// Submit blocks while every worker is busy.
type Pool struct {
	size      int
	runner    Runner
	templates TemplateSource
	reporter  Reporter
	logger    *logging.Logger

	jobs chan Job

	mu     sync.Mutex
	tokens map[string]*token

	// busy counts jobs handed to workers and not yet finished.
	busy      atomic.Int32
	idle      chan struct{}
	processed atomic.Int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	stopped atomic.Bool
}

// Config contains configuration options for the Pool.
type Config struct {
	Size      int
	Runner    Runner
	Templates TemplateSource
	Reporter  Reporter
	Logger    *logging.Logger
}

// New creates a Pool. Workers start with Start.
func New(cfg Config) (*Pool, error) {
	if cfg.Size < 1 {
		return nil, fmt.Errorf("pool size must be at least 1, got %d", cfg.Size)
	}
	if cfg.Runner == nil || cfg.Templates == nil || cfg.Reporter == nil {
		return nil, fmt.Errorf("runner, templates and reporter are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		size:      cfg.Size,
		runner:    cfg.Runner,
		templates: cfg.Templates,
		reporter:  cfg.Reporter,
		logger:    logger,
		jobs:      make(chan Job),
		idle:      make(chan struct{}, 1),
		tokens:    make(map[string]*token),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start launches the workers. Calling it twice is a no-op.
func (p *Pool) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.work()
	}
	p.logger.InfoCtx("worker pool started", map[string]any{"size": p.size})
}

// Submit hands job to an idle worker, blocking until one takes it.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	if p.stopped.Load() {
		return ErrStopped
	}
	tok := p.acquire(job.Message.TaskID)
	if job.CancelRequested {
		tok.cancelled.Store(true)
	}
	p.busy.Add(1)
	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		p.abandon(job.Message.TaskID)
		return ctx.Err()
	case <-p.ctx.Done():
		p.abandon(job.Message.TaskID)
		return ErrStopped
	}
}

// WaitIdle blocks until a worker is free. With a single submitter the
// worker is still free when Submit is called.
func (p *Pool) WaitIdle(ctx context.Context) error {
	for {
		if int(p.busy.Load()) < p.size {
			return nil
		}
		select {
		case <-p.idle:
		case <-ctx.Done():
			return ctx.Err()
		case <-p.ctx.Done():
			return ErrStopped
		}
	}
}

// Cancel asks the worker running taskID to stop before its next step. A
// cancel for a task that has not been submitted yet is remembered.
func (p *Pool) Cancel(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tok, ok := p.tokens[taskID]
	if !ok {
		p.sweepLocked()
		tok = &token{pending: true, created: time.Now()}
		p.tokens[taskID] = tok
	}
	tok.cancelled.Store(true)
	p.logger.DebugCtx("cancel signalled", map[string]any{"task_id": taskID, "pending": tok.pending})
}

// Stop stops accepting jobs and waits for running ones. Jobs interrupted by
// Stop are not reported; their tasks stay running until restored.
func (p *Pool) Stop() {
	if !p.stopped.CompareAndSwap(false, true) {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.logger.InfoCtx("worker pool stopped", map[string]any{"processed": p.processed.Load()})
}

// Size returns the number of workers.
func (p *Pool) Size() int { return p.size }

// Active returns the number of jobs submitted and not yet finished.
func (p *Pool) Active() int { return int(p.busy.Load()) }

// Processed returns the number of jobs finished.
func (p *Pool) Processed() int64 { return p.processed.Load() }

func (p *Pool) work() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case job := <-p.jobs:
			p.execute(job)
			p.processed.Add(1)
			p.release()
		}
	}
}

func (p *Pool) execute(job Job) {
	id := job.Message.TaskID
	log := p.logger.WithTask(id)
	tok := p.acquire(id)
	defer p.drop(id)

	start := time.Now()
	report, ok := p.runJob(job, tok, log)
	if !ok {
		log.WarnCtx("job interrupted by shutdown", map[string]any{"template": job.Message.TemplateName})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	if err := p.reporter.Report(ctx, report); err != nil {
		log.ErrorCtx("failed to report task outcome", map[string]any{
			"status": string(report.Status),
			"error":  err.Error(),
		})
		return
	}
	log.InfoCtx("task finished", map[string]any{
		"status":   string(report.Status),
		"duration": time.Since(start).String(),
	})
}

// runJob returns false when the run was cut short by Stop.
func (p *Pool) runJob(job Job, tok *token, log *logging.Logger) (report models.TaskReport, ok bool) {
	id := job.Message.TaskID
	report.TaskID = id

	defer func() {
		if r := recover(); r != nil {
			log.ErrorCtx("task panicked", map[string]any{"panic": fmt.Sprint(r), "stack": string(debug.Stack())})
			report = models.TaskReport{TaskID: id, Status: models.TaskStatusFailed, Error: fmt.Sprintf("panic: %v", r)}
			ok = true
		}
	}()

	tpl, err := p.templates.Get(job.Message.TemplateName)
	if err != nil {
		report.Status = models.TaskStatusFailed
		report.Error = err.Error()
		return report, true
	}

	check := func() error {
		if tok.cancelled.Load() {
			return steps.ErrCancelled
		}
		return nil
	}
	result, err := p.runner.Run(p.ctx, tpl, job.Message.Parameters, check)
	switch {
	case errors.Is(err, steps.ErrCancelled):
		report.Status = models.TaskStatusCancelled
		report.Error = models.CancelledByRequest
	case err != nil && p.ctx.Err() != nil:
		return report, false
	case err != nil:
		report.Status = models.TaskStatusFailed
		report.Error = err.Error()
	default:
		report.Status = models.TaskStatusCompleted
		report.Result = result
	}
	return report, true
}

// acquire returns the token for id, taking over a pending one.
func (p *Pool) acquire(id string) *token {
	p.mu.Lock()
	defer p.mu.Unlock()
	tok, ok := p.tokens[id]
	if !ok {
		tok = &token{created: time.Now()}
		p.tokens[id] = tok
	}
	tok.pending = false
	return tok
}

func (p *Pool) release() {
	p.busy.Add(-1)
	select {
	case p.idle <- struct{}{}:
	default:
	}
}

func (p *Pool) abandon(id string) {
	p.drop(id)
	p.release()
}

func (p *Pool) drop(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.tokens, id)
}

func (p *Pool) sweepLocked() {
	cutoff := time.Now().Add(-pendingTTL)
	for id, tok := range p.tokens {
		if tok.pending && tok.created.Before(cutoff) {
			delete(p.tokens, id)
		}
	}
}
