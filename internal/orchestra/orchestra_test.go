package orchestra

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/orchestra/internal/config"
	"github.com/ShayCichocki/orchestra/internal/exec"
	"github.com/ShayCichocki/orchestra/internal/store"
	"github.com/ShayCichocki/orchestra/internal/transport"
	"github.com/ShayCichocki/orchestra/pkg/models"
)

const echoYAML = `
name: echo
description: Echo a string back
parameters:
  - name: text
    type: string
    required: true
steps:
  - name: say
    type: render
    text: "{{ .params.text }}"
`

const shoutYAML = `
name: shout
parameters:
  - name: text
    required: true
steps:
  - name: inner
    type: sub-template
    template: echo
    parameters:
      text: "{{ .params.text }}"
  - name: loud
    type: render
    text: "{{ upper .steps.inner.output }}!"
`

const slowYAML = `
name: slow
steps:
  - name: wait
    type: shell
    command: "sleep 60"
  - name: after
    type: render
    text: done
`

func writeTemplates(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Templates.Dir = writeTemplates(t, map[string]string{
		"echo.yaml":  echoYAML,
		"shout.yaml": shoutYAML,
		"slow.yaml":  slowYAML,
	})
	cfg.Templates.Watch = false
	cfg.Workers.PoolSize = 2
	cfg.Dispatch.RetryBackoff = 5 * time.Millisecond
	return cfg
}

// setupOrchestra builds and starts an Orchestra, stopping it on cleanup.
func setupOrchestra(t *testing.T, cfg *config.Config, opts ...Option) *Orchestra {
	t.Helper()
	o, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		if err := o.Stop(); err != nil && !errors.Is(err, ErrStopped) {
			t.Errorf("Stop: %v", err)
		}
	})
	return o
}

func waitTask(t *testing.T, o *Orchestra, id string) *models.Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := o.WaitTask(ctx, id)
	if err != nil {
		t.Fatalf("WaitTask(%s): %v", id, err)
	}
	return task
}

func create(t *testing.T, o *Orchestra, req store.CreateRequest) *models.Task {
	t.Helper()
	task, err := o.CreateTask(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return task
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"pool size", func(c *config.Config) { c.Workers.PoolSize = 0 }},
		{"missing template dir", func(c *config.Config) { c.Templates.Dir = filepath.Join(t.TempDir(), "nope") }},
		{"remote without transport", func(c *config.Config) { c.Dispatch.Mode = config.ModeRemote }},
		{"bad schedule", func(c *config.Config) {
			c.Beat.Schedules = []config.ScheduleConfig{{Name: "x", Spec: "not a spec", Template: "echo"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)
			if _, err := New(cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestEcho(t *testing.T) {
	o := setupOrchestra(t, testConfig(t))

	task := create(t, o, store.CreateRequest{Template: "echo", Parameters: map[string]any{"text": "hello"}})
	if task.Status != models.TaskStatusQueued || task.Priority != models.DefaultPriority {
		t.Errorf("created task = %+v", task)
	}

	got := waitTask(t, o, task.ID)
	if got.Status != models.TaskStatusCompleted {
		t.Fatalf("status = %s (%s)", got.Status, got.Error)
	}
	if got.Result["output"] != "hello" {
		t.Errorf("result = %v", got.Result)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Errorf("timestamps not set: %+v", got)
	}
}

func TestCreateTask_Rejections(t *testing.T) {
	o := setupOrchestra(t, testConfig(t))
	tests := []struct {
		name string
		req  store.CreateRequest
		want error
	}{
		{"unknown template", store.CreateRequest{Template: "missing"}, models.ErrNotFound},
		{"missing parameter", store.CreateRequest{Template: "echo"}, models.ErrInvalidParameters},
		{"unexpected parameter", store.CreateRequest{Template: "echo", Parameters: map[string]any{"text": "x", "extra": 1}}, models.ErrInvalidParameters},
		{"bad priority", store.CreateRequest{Template: "echo", Parameters: map[string]any{"text": "x"}, Priority: 11}, models.ErrInvalidParameters},
		{"unknown dependency", store.CreateRequest{Template: "echo", Parameters: map[string]any{"text": "x"}, DependsOn: []string{"ghost"}}, models.ErrUnknownDependency},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.CreateTask(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
	if n := len(o.ListTasks(store.Filter{}, 0, 0)); n != 0 {
		t.Errorf("rejected requests stored %d tasks", n)
	}
}

func TestSubTemplateAndDependencies(t *testing.T) {
	o := setupOrchestra(t, testConfig(t))

	first := create(t, o, store.CreateRequest{Template: "shout", Parameters: map[string]any{"text": "hey"}})
	second := create(t, o, store.CreateRequest{
		Template:   "echo",
		Parameters: map[string]any{"text": "after"},
		Priority:   10,
		DependsOn:  []string{first.ID},
	})

	a := waitTask(t, o, first.ID)
	b := waitTask(t, o, second.ID)
	if a.Result["output"] != "HEY!" {
		t.Errorf("shout result = %v", a.Result)
	}
	if b.Status != models.TaskStatusCompleted || b.StartedAt.Before(*a.CompletedAt) {
		t.Errorf("dependent task = %+v, parent completed at %v", b, a.CompletedAt)
	}
}

// blockingRunner holds every shell command until ctx is done or release
// is closed.
type blockingRunner struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{started: make(chan struct{}), release: make(chan struct{})}
}

func (r *blockingRunner) Run(ctx context.Context, c exec.Command, name string, args ...string) (*exec.Result, error) {
	return r.RunShell(ctx, c, name)
}

func (r *blockingRunner) RunShell(ctx context.Context, _ exec.Command, _ string) (*exec.Result, error) {
	r.once.Do(func() { close(r.started) })
	select {
	case <-r.release:
		return &exec.Result{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestCancelRunningTask(t *testing.T) {
	runner := newBlockingRunner()
	o := setupOrchestra(t, testConfig(t), WithCommandRunner(runner))

	task := create(t, o, store.CreateRequest{Template: "slow"})
	select {
	case <-runner.started:
	case <-time.After(5 * time.Second):
		t.Fatal("shell step did not start")
	}

	if err := o.CancelTask(task.ID); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	mid, _ := o.GetTask(task.ID)
	if mid.Status != models.TaskStatusRunning || !mid.CancelRequested {
		t.Errorf("after cancel request: status %s, cancel_requested %v", mid.Status, mid.CancelRequested)
	}
	close(runner.release)

	got := waitTask(t, o, task.ID)
	if got.Status != models.TaskStatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	if err := o.CancelTask(task.ID); !errors.Is(err, models.ErrInvalidState) {
		t.Errorf("second cancel = %v, want InvalidState", err)
	}
}

func TestUpdatePriority(t *testing.T) {
	runner := newBlockingRunner()
	cfg := testConfig(t)
	cfg.Workers.PoolSize = 1
	o := setupOrchestra(t, cfg, WithCommandRunner(runner))

	blocker := create(t, o, store.CreateRequest{Template: "slow"})
	<-runner.started
	queued := create(t, o, store.CreateRequest{Template: "echo", Parameters: map[string]any{"text": "x"}})

	got, err := o.UpdatePriority(queued.ID, 9)
	if err != nil || got.Priority != 9 {
		t.Fatalf("UpdatePriority = %+v, %v", got, err)
	}
	if _, err := o.UpdatePriority(blocker.ID, 9); !errors.Is(err, models.ErrInvalidState) {
		t.Errorf("UpdatePriority(running) = %v, want InvalidState", err)
	}
	close(runner.release)
	waitTask(t, o, queued.ID)
}

func TestPersistenceAcrossRestart(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = config.DriverSQLite
	cfg.Store.Path = filepath.Join(t.TempDir(), "state.db")

	first, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	task := create(t, first, store.CreateRequest{Template: "echo", Parameters: map[string]any{"text": "persisted"}, Priority: 7})
	if err := first.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	second := setupOrchestra(t, cfg)
	got := waitTask(t, second, task.ID)
	if got.Status != models.TaskStatusCompleted || got.Priority != 7 || got.Result["output"] != "persisted" {
		t.Errorf("restored task = %+v", got)
	}
}

func TestBeatSchedules(t *testing.T) {
	cfg := testConfig(t)
	cfg.Beat.Schedules = []config.ScheduleConfig{{
		Name:       "daily-echo",
		Spec:       "@daily",
		Template:   "echo",
		Parameters: map[string]any{"text": "tick"},
	}}
	o := setupOrchestra(t, cfg)

	st := o.Schedules()
	if len(st) != 1 || st[0].Name != "daily-echo" || st[0].Next.IsZero() {
		t.Fatalf("Schedules() = %+v", st)
	}
	task, err := o.FireSchedule(context.Background(), "daily-echo")
	if err != nil {
		t.Fatalf("FireSchedule: %v", err)
	}
	if got := waitTask(t, o, task.ID); got.Result["output"] != "tick" {
		t.Errorf("result = %v", got.Result)
	}
	if _, err := o.FireSchedule(context.Background(), "nope"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("FireSchedule(nope) = %v, want NotFound", err)
	}
}

func TestEventHandler(t *testing.T) {
	events := make(chan store.Event, 64)
	o := setupOrchestra(t, testConfig(t), WithEventHandler(func(ev store.Event) {
		select {
		case events <- ev:
		default:
		}
	}))
	task := create(t, o, store.CreateRequest{Template: "echo", Parameters: map[string]any{"text": "x"}})

	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.TaskID == task.ID && ev.Type == store.EventTaskCompleted {
				return
			}
		case <-timeout:
			t.Fatal("no completion event")
		}
	}
}

// fakeBroker is an in-memory remote transport: dispatches are recorded and
// reports are fed back by the test.
type fakeBroker struct {
	*transport.Local
	reports chan models.TaskReport

	mu        sync.Mutex
	cancelled []string
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{Local: transport.NewLocal(nil, 100), reports: make(chan models.TaskReport, 8)}
}

func (b *fakeBroker) NextReport(ctx context.Context) (models.TaskReport, error) {
	select {
	case r := <-b.reports:
		return r, nil
	case <-ctx.Done():
		return models.TaskReport{}, ctx.Err()
	}
}

func (b *fakeBroker) Cancel(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled = append(b.cancelled, id)
}

func TestRemoteMode(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dispatch.Mode = config.ModeRemote
	cfg.Redis.URL = "redis://unused:6379/0"
	broker := newFakeBroker()
	o := setupOrchestra(t, cfg, WithTransport(broker))

	task := create(t, o, store.CreateRequest{Template: "echo", Parameters: map[string]any{"text": "remote"}})
	deadline := time.Now().Add(5 * time.Second)
	for broker.Published() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("task not published")
		}
		time.Sleep(5 * time.Millisecond)
	}
	msg := broker.History()[0]
	if msg.TaskID != task.ID || msg.TemplateName != "echo" || msg.Parameters["text"] != "remote" {
		t.Errorf("dispatch message = %+v", msg)
	}

	if err := o.CancelTask(task.ID); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	broker.mu.Lock()
	forwarded := len(broker.cancelled) == 1 && broker.cancelled[0] == task.ID
	broker.mu.Unlock()
	if !forwarded {
		t.Errorf("cancel not forwarded to broker: %v", broker.cancelled)
	}

	broker.reports <- models.TaskReport{TaskID: task.ID, Status: models.TaskStatusCancelled, Error: models.CancelledByRequest}
	if got := waitTask(t, o, task.ID); got.Status != models.TaskStatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
}

func TestStartStop(t *testing.T) {
	o, err := New(testConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := o.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := o.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start = %v", err)
	}
	if err := o.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
	if err := o.Stop(); !errors.Is(err, ErrStopped) {
		t.Errorf("second Stop = %v", err)
	}
	if err := o.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Start after Stop = %v", err)
	}
}
