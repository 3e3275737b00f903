// Package steps executes the steps of a template. Every step kind implements
// the same contract: it reads the accumulated State and returns one output,
// which later steps can reference by name.
package steps

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ShayCichocki/orchestra/internal/exec"
	"github.com/ShayCichocki/orchestra/internal/llm"
	"github.com/ShayCichocki/orchestra/internal/logging"
	"github.com/ShayCichocki/orchestra/pkg/models"
)

// ErrCancelled is returned by Run when the checkpoint reports a cancellation.
var ErrCancelled = errors.New("task cancelled")

// Config holds step executor limits.
type Config struct {
	// MaxDepth bounds sub-template nesting.
	MaxDepth     int
	HTTPTimeout  time.Duration
	ShellEnabled bool
	ShellTimeout time.Duration
}

// DefaultConfig returns the limits used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxDepth:     8,
		HTTPTimeout:  30 * time.Second,
		ShellEnabled: true,
		ShellTimeout: 5 * time.Minute,
	}
}

// TemplateSource resolves templates referenced by sub-template steps.
type TemplateSource interface {
	Get(name string) (*models.Template, error)
}

// Handler executes one step kind.
type Handler func(ctx context.Context, e *Executor, step models.StepSpec, st *State) (any, error)

// Checkpoint is consulted before each step and after the last one. A non-nil
// error stops the run.
type Checkpoint func() error

// Executor runs template steps.
type Executor struct {
	cfg       Config
	templates TemplateSource
	providers *llm.Providers
	runner    exec.CommandRunner
	client    *http.Client
	logger    *logging.Logger
	handlers  map[models.StepKind]Handler
}

// Option configures an Executor.
type Option func(*Executor)

// WithProviders sets the model clients used by generate-text steps.
func WithProviders(p *llm.Providers) Option {
	return func(e *Executor) { e.providers = p }
}

// WithRunner sets the command runner used by shell steps.
func WithRunner(r exec.CommandRunner) Option {
	return func(e *Executor) { e.runner = r }
}

// WithHTTPClient sets the client used by http-call steps.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Executor) { e.client = c }
}

// WithLogger sets the executor logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// New creates an Executor.
func New(cfg Config, tpls TemplateSource, opts ...Option) *Executor {
	if cfg.MaxDepth < 1 {
		cfg.MaxDepth = DefaultConfig().MaxDepth
	}
	e := &Executor{
		cfg:       cfg,
		templates: tpls,
		runner:    exec.NewRunner(),
		client:    &http.Client{},
		logger:    logging.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.handlers = map[models.StepKind]Handler{
		models.StepRender:       renderStep,
		models.StepGenerateText: generateTextStep,
		models.StepHTTPCall:     httpCallStep,
		models.StepShell:        shellStep,
		models.StepSubTemplate:  subTemplateStep,
	}
	return e
}

// Execute runs a single step against st and records its output. Failures are
// returned as *models.StepError.
func (e *Executor) Execute(ctx context.Context, step models.StepSpec, st *State) (any, error) {
	h, ok := e.handlers[step.Kind()]
	if !ok {
		return nil, &models.StepError{Step: step.Name, Kind: step.Kind(), Cause: fmt.Errorf("unsupported step kind")}
	}
	start := time.Now()
	out, err := h(ctx, e, step, st)
	if err != nil {
		// Failures inside a sub-template keep the inner step's kind and cause.
		var se *models.StepError
		if errors.As(err, &se) {
			return nil, &models.StepError{Step: step.Name + "." + se.Step, Kind: se.Kind, Cause: se.Cause}
		}
		return nil, &models.StepError{Step: step.Name, Kind: step.Kind(), Cause: err}
	}
	st.record(step.Name, out)
	e.logger.DebugCtx("step finished", map[string]any{
		"step":     step.Name,
		"kind":     string(step.Kind()),
		"depth":    st.depth,
		"duration": time.Since(start).String(),
	})
	return out, nil
}

// Run executes tpl's steps in order with params and returns the task result:
// {"output": <last step output>, "steps": {<name>: <output>}}. It stops at
// the first failing step. check may be nil.
func (e *Executor) Run(ctx context.Context, tpl *models.Template, params map[string]any, check Checkpoint) (map[string]any, error) {
	return e.run(ctx, tpl, NewState(params), check)
}

func (e *Executor) run(ctx context.Context, tpl *models.Template, st *State, check Checkpoint) (map[string]any, error) {
	for _, step := range tpl.Steps {
		if err := checkpoint(ctx, check); err != nil {
			return nil, err
		}
		if _, err := e.Execute(ctx, step, st); err != nil {
			return nil, err
		}
	}
	if err := checkpoint(ctx, check); err != nil {
		return nil, err
	}
	return map[string]any{"output": st.Last, "steps": st.Steps}, nil
}

func checkpoint(ctx context.Context, check Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if check == nil {
		return nil
	}
	return check()
}
