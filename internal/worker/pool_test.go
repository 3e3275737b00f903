package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/orchestra/internal/steps"
	"github.com/ShayCichocki/orchestra/pkg/models"
)

type templates map[string]*models.Template

func (m templates) Get(name string) (*models.Template, error) {
	if t, ok := m[name]; ok {
		return t, nil
	}
	return nil, models.Errorf(models.ErrNotFound, "template %q not found", name)
}

// scriptedRunner runs a fake template: each step waits on gate (if set),
// then consults the checkpoint.
type scriptedRunner struct {
	steps   int
	gate    chan struct{}
	started chan string
	fail    error
	panics  bool
}

func (r *scriptedRunner) Run(ctx context.Context, tpl *models.Template, params map[string]any, check steps.Checkpoint) (map[string]any, error) {
	if r.started != nil {
		r.started <- tpl.Name
	}
	if r.panics {
		panic("boom")
	}
	for i := 0; i < r.steps; i++ {
		if err := check(); err != nil {
			return nil, err
		}
		if r.gate != nil {
			select {
			case <-r.gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if err := check(); err != nil {
		return nil, err
	}
	if r.fail != nil {
		return nil, r.fail
	}
	return map[string]any{"output": params["text"]}, nil
}

type recorder struct {
	mu      sync.Mutex
	reports []models.TaskReport
	ch      chan models.TaskReport
}

func newRecorder() *recorder { return &recorder{ch: make(chan models.TaskReport, 64)} }

func (r *recorder) Report(_ context.Context, rep models.TaskReport) error {
	r.mu.Lock()
	r.reports = append(r.reports, rep)
	r.mu.Unlock()
	r.ch <- rep
	return nil
}

func (r *recorder) next(t *testing.T) models.TaskReport {
	t.Helper()
	select {
	case rep := <-r.ch:
		return rep
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for report")
		return models.TaskReport{}
	}
}

func setupPool(t *testing.T, size int, runner Runner) (*Pool, *recorder) {
	t.Helper()
	rec := newRecorder()
	p, err := New(Config{
		Size:      size,
		Runner:    runner,
		Templates: templates{"echo": {Name: "echo"}},
		Reporter:  rec,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.Start()
	t.Cleanup(p.Stop)
	return p, rec
}

func job(id string) Job {
	return Job{Message: models.DispatchMessage{TaskID: id, TemplateName: "echo", Parameters: map[string]any{"text": id}}}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{Size: 0}); err == nil {
		t.Error("expected error for zero size")
	}
	if _, err := New(Config{Size: 1}); err == nil {
		t.Error("expected error for missing collaborators")
	}
}

func TestPool_ReportsOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		runner     *scriptedRunner
		job        Job
		wantStatus models.TaskStatus
		wantErr    string
	}{
		{"completed", &scriptedRunner{steps: 2}, job("a"), models.TaskStatusCompleted, ""},
		{"failed", &scriptedRunner{steps: 1, fail: errors.New("step broke")}, job("b"), models.TaskStatusFailed, "step broke"},
		{"panic", &scriptedRunner{panics: true}, job("c"), models.TaskStatusFailed, "panic: boom"},
		{"unknown template", &scriptedRunner{}, Job{Message: models.DispatchMessage{TaskID: "d", TemplateName: "ghost"}}, models.TaskStatusFailed, `not found: template "ghost" not found`},
		{"cancel seeded at submit", &scriptedRunner{steps: 1}, Job{Message: job("e").Message, CancelRequested: true}, models.TaskStatusCancelled, models.CancelledByRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, rec := setupPool(t, 1, tt.runner)
			if err := p.Submit(context.Background(), tt.job); err != nil {
				t.Fatalf("Submit: %v", err)
			}
			rep := rec.next(t)
			if rep.TaskID != tt.job.Message.TaskID || rep.Status != tt.wantStatus || rep.Error != tt.wantErr {
				t.Errorf("report = %+v, want status %s error %q", rep, tt.wantStatus, tt.wantErr)
			}
			if tt.wantStatus == models.TaskStatusCompleted && rep.Result["output"] != "a" {
				t.Errorf("result = %v", rep.Result)
			}
		})
	}
}

func TestPool_CancelBetweenSteps(t *testing.T) {
	runner := &scriptedRunner{steps: 3, gate: make(chan struct{}), started: make(chan string, 1)}
	p, rec := setupPool(t, 1, runner)

	if err := p.Submit(context.Background(), job("t1")); err != nil {
		t.Fatal(err)
	}
	<-runner.started
	runner.gate <- struct{}{}
	p.Cancel("t1")
	// The runner may already have observed the cancel at its next checkpoint.
	select {
	case runner.gate <- struct{}{}:
	case <-time.After(100 * time.Millisecond):
	}

	rep := rec.next(t)
	if rep.Status != models.TaskStatusCancelled {
		t.Errorf("status = %s, want cancelled", rep.Status)
	}
}

func TestPool_CancelBeforeSubmit(t *testing.T) {
	p, rec := setupPool(t, 1, &scriptedRunner{steps: 1})

	p.Cancel("early")
	if err := p.Submit(context.Background(), job("early")); err != nil {
		t.Fatal(err)
	}
	if rep := rec.next(t); rep.Status != models.TaskStatusCancelled {
		t.Errorf("status = %s, want cancelled", rep.Status)
	}
}

func TestPool_SubmitBlocksWhenSaturated(t *testing.T) {
	runner := &scriptedRunner{steps: 1, gate: make(chan struct{}), started: make(chan string, 2)}
	p, rec := setupPool(t, 1, runner)

	if err := p.Submit(context.Background(), job("busy")); err != nil {
		t.Fatal(err)
	}
	<-runner.started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := p.Submit(ctx, job("waiting")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Submit on saturated pool = %v, want deadline exceeded", err)
	}
	if p.Active() != 1 {
		t.Errorf("Active() = %d, want 1", p.Active())
	}

	runner.gate <- struct{}{}
	if rep := rec.next(t); rep.TaskID != "busy" {
		t.Errorf("report for %s, want busy", rep.TaskID)
	}
}

func TestPool_StopDoesNotReportInterrupted(t *testing.T) {
	runner := &scriptedRunner{steps: 1, gate: make(chan struct{}), started: make(chan string, 1)}
	rec := newRecorder()
	p, err := New(Config{Size: 1, Runner: runner, Templates: templates{"echo": {Name: "echo"}}, Reporter: rec})
	if err != nil {
		t.Fatal(err)
	}
	p.Start()
	if err := p.Submit(context.Background(), job("long")); err != nil {
		t.Fatal(err)
	}
	<-runner.started

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	select {
	case rep := <-rec.ch:
		t.Errorf("unexpected report after stop: %+v", rep)
	default:
	}
	if err := p.Submit(context.Background(), job("late")); !errors.Is(err, ErrStopped) {
		t.Errorf("Submit after Stop = %v, want ErrStopped", err)
	}
}

func TestPool_Concurrency(t *testing.T) {
	const n = 20
	p, rec := setupPool(t, 4, &scriptedRunner{steps: 2})

	for i := 0; i < n; i++ {
		id := string(rune('a' + i))
		if err := p.Submit(context.Background(), job(id)); err != nil {
			t.Fatal(err)
		}
	}
	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		rep := rec.next(t)
		if seen[rep.TaskID] {
			t.Errorf("task %s reported twice", rep.TaskID)
		}
		seen[rep.TaskID] = true
	}
}

func TestPool_WaitIdle(t *testing.T) {
	runner := &scriptedRunner{steps: 1, gate: make(chan struct{}), started: make(chan string, 1)}
	p, rec := setupPool(t, 1, runner)

	if err := p.WaitIdle(context.Background()); err != nil {
		t.Fatalf("WaitIdle on empty pool: %v", err)
	}
	if err := p.Submit(context.Background(), job("busy")); err != nil {
		t.Fatal(err)
	}
	<-runner.started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := p.WaitIdle(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitIdle while saturated = %v", err)
	}

	idle := make(chan error, 1)
	go func() { idle <- p.WaitIdle(context.Background()) }()
	runner.gate <- struct{}{}
	rec.next(t)
	select {
	case err := <-idle:
		if err != nil {
			t.Errorf("WaitIdle: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitIdle did not return after the worker finished")
	}
}
