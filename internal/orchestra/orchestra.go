// Package orchestra assembles the task orchestration runtime from config:
// template registry, task store, dependency scheduler, dispatcher, worker
// pool and the periodic beat.
package orchestra

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/orchestra/internal/beat"
	"github.com/ShayCichocki/orchestra/internal/config"
	"github.com/ShayCichocki/orchestra/internal/dispatch"
	"github.com/ShayCichocki/orchestra/internal/llm"
	"github.com/ShayCichocki/orchestra/internal/logging"
	"github.com/ShayCichocki/orchestra/internal/scheduler"
	"github.com/ShayCichocki/orchestra/internal/state"
	"github.com/ShayCichocki/orchestra/internal/steps"
	"github.com/ShayCichocki/orchestra/internal/store"
	"github.com/ShayCichocki/orchestra/internal/templates"
	"github.com/ShayCichocki/orchestra/internal/transport"
	"github.com/ShayCichocki/orchestra/internal/worker"
)

var (
	// ErrAlreadyStarted is returned by Start on a running Orchestra.
	ErrAlreadyStarted = errors.New("orchestra already started")
	// ErrStopped is returned by Start and Stop once Stop has run.
	ErrStopped = errors.New("orchestra stopped")
)

// eventBuffer is the capacity of the lifecycle event channel.
const eventBuffer = 256

// Orchestra owns every runtime component. Construct it with New; all
// collaborators are passed explicitly, there is no package-level state.
type Orchestra struct {
	cfg    *config.Config
	logger *logging.Logger
	opts   options

	registry   *templates.Registry
	db         *state.DB
	events     *store.EventEmitter
	store      *store.Store
	providers  *llm.Providers
	executor   *steps.Executor
	pool       *worker.Pool
	transport  transport.Transport
	reports    transport.ReportSource
	dispatcher *dispatch.Dispatcher
	beat       *beat.Beat

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool
	closed  bool
}

// New builds an Orchestra from cfg. It loads templates and restores
// persisted tasks but starts no goroutines; call Start for that.
func New(cfg *config.Config, opts ...Option) (*Orchestra, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	o := &Orchestra{cfg: cfg}
	for _, opt := range opts {
		opt(&o.opts)
	}
	o.logger = o.opts.logger
	if o.logger == nil {
		o.logger = logging.Nop()
	}

	if err := o.build(); err != nil {
		o.closeResources()
		return nil, err
	}
	return o, nil
}

func (o *Orchestra) build() error {
	cfg := o.cfg

	reg, err := loadRegistry(cfg, o.logger)
	if err != nil {
		return err
	}
	o.registry = reg

	storeOpts := []store.Option{
		store.WithLogger(o.logger.WithComponent("store")),
		store.WithCascade(cfg.Scheduler.CascadeFailures),
	}
	if cfg.Store.Driver != config.DriverMemory {
		db, err := openState(cfg.Store, o.logger)
		if err != nil {
			return err
		}
		o.db = db
		storeOpts = append(storeOpts, store.WithBackend(db))
	}
	o.events = store.NewEventEmitter(eventBuffer, o.logger.WithComponent("events"))
	storeOpts = append(storeOpts, store.WithEvents(o.events))
	o.store = store.New(o.registry, scheduler.New(), storeOpts...)

	if o.db != nil {
		n, err := o.store.Restore(context.Background())
		if err != nil {
			return fmt.Errorf("restore tasks: %w", err)
		}
		o.logger.InfoCtx("tasks restored", map[string]any{"count": n, "path": o.db.Path()})
	}

	o.providers = o.opts.providers
	if o.providers == nil {
		o.providers = buildProviders(cfg, o.logger)
	}
	o.executor = newExecutor(cfg, o.registry, o.providers, o.opts, o.logger)

	if err := o.buildTransport(); err != nil {
		return err
	}

	dcfg := dispatch.Config{
		Queue:        o.store.Scheduler(),
		Store:        o.store,
		Transport:    o.transport,
		RetryBackoff: cfg.Dispatch.RetryBackoff,
		Logger:       o.logger.WithComponent("dispatch"),
	}
	if o.pool != nil {
		dcfg.Pool = o.pool
	}
	d, err := dispatch.New(dcfg)
	if err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}
	o.dispatcher = d

	return o.buildBeat()
}

func (o *Orchestra) buildTransport() error {
	cfg := o.cfg
	switch cfg.Dispatch.Mode {
	case config.ModeRemote:
		tr := o.opts.transport
		if tr == nil {
			r, err := transport.NewRedis(redisConfig(cfg), o.logger.WithComponent("redis"))
			if err != nil {
				return fmt.Errorf("create redis transport: %w", err)
			}
			tr = r
		}
		src, ok := tr.(transport.ReportSource)
		if !ok {
			return fmt.Errorf("transport %T cannot receive worker reports", tr)
		}
		canceller, ok := tr.(store.Canceller)
		if !ok {
			return fmt.Errorf("transport %T cannot forward cancellations", tr)
		}
		o.transport = tr
		o.reports = src
		o.store.SetCanceller(canceller)
	default:
		o.transport = o.opts.transport
		if o.transport == nil {
			o.transport = transport.NewLocal(o.logger.WithComponent("transport"), 0)
		}
		pool, err := worker.New(worker.Config{
			Size:      cfg.Workers.PoolSize,
			Runner:    o.executor,
			Templates: o.registry,
			Reporter:  dispatch.StoreReporter{Store: o.store},
			Logger:    o.logger.WithComponent("worker"),
		})
		if err != nil {
			return fmt.Errorf("create worker pool: %w", err)
		}
		o.pool = pool
		o.store.SetCanceller(pool)
	}
	return nil
}

func (o *Orchestra) buildBeat() error {
	if len(o.cfg.Beat.Schedules) == 0 {
		return nil
	}
	b := beat.New(o.store, o.logger.WithComponent("beat"))
	for _, s := range o.cfg.Beat.Schedules {
		err := b.Add(beat.Schedule{
			Name: s.Name,
			Spec: s.Spec,
			Request: store.CreateRequest{
				Template:   s.Template,
				Parameters: s.Parameters,
				Priority:   s.Priority,
			},
		})
		if err != nil {
			return fmt.Errorf("add schedule: %w", err)
		}
	}
	o.beat = b
	return nil
}

func redisConfig(cfg *config.Config) transport.RedisConfig {
	return transport.RedisConfig{
		URL:           cfg.Redis.URL,
		KeyPrefix:     cfg.Redis.KeyPrefix,
		DispatchQueue: cfg.Redis.DispatchQueue,
		ReportsQueue:  cfg.Redis.ReportsQueue,
		TaskTTL:       cfg.Redis.TaskTTL,
	}
}

func loadRegistry(cfg *config.Config, logger *logging.Logger) (*templates.Registry, error) {
	reg := templates.New(cfg.Templates.Dir, logger.WithComponent("templates"))
	if cfg.Templates.Dir != "" {
		if _, err := reg.Load(cfg.Templates.Dir); err != nil {
			return nil, fmt.Errorf("load templates: %w", err)
		}
	}
	return reg, nil
}

func newExecutor(cfg *config.Config, reg *templates.Registry, providers *llm.Providers, opts options, logger *logging.Logger) *steps.Executor {
	execOpts := []steps.Option{
		steps.WithProviders(providers),
		steps.WithLogger(logger.WithComponent("steps")),
	}
	if opts.runner != nil {
		execOpts = append(execOpts, steps.WithRunner(opts.runner))
	}
	if opts.httpClient != nil {
		execOpts = append(execOpts, steps.WithHTTPClient(opts.httpClient))
	}
	return steps.New(steps.Config{
		MaxDepth:     cfg.Steps.MaxDepth,
		HTTPTimeout:  cfg.Steps.HTTPTimeout,
		ShellEnabled: cfg.Steps.ShellEnabled,
		ShellTimeout: cfg.Steps.ShellTimeout,
	}, reg, execOpts...)
}

func openState(cfg config.StoreConfig, logger *logging.Logger) (*state.DB, error) {
	db, err := state.Open(cfg.Driver, cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate state: %w", err)
	}
	run, err := state.NewRecoveryManager(db).CheckForInterrupted()
	if err != nil {
		db.Close()
		return nil, err
	}
	if run != nil {
		logger.WarnCtx("previous run was interrupted", map[string]any{
			"running_tasks": len(run.TaskIDs),
			"last_activity": run.LastActivity,
		})
	}
	return db, nil
}

// buildProviders registers Ollama always and Anthropic when credentials
// are available.
func buildProviders(cfg *config.Config, logger *logging.Logger) *llm.Providers {
	providers := llm.NewProviders(cfg.Providers.Default)
	providers.Register(llm.NewOllama(llm.OllamaConfig{
		BaseURL: cfg.Providers.Ollama.BaseURL,
		Model:   cfg.Providers.Ollama.Model,
		Timeout: cfg.Providers.Ollama.Timeout,
	}, logger.WithComponent("ollama")))

	ac := cfg.Providers.Anthropic
	key, keyErr := config.AnthropicAPIKey(cfg)
	if keyErr != nil && !ac.UseBedrock {
		logger.Debug("anthropic provider disabled: no API key")
		return providers
	}
	client, err := llm.NewAnthropic(llm.AnthropicConfig{
		Model:         anthropic.Model(ac.Model),
		APIKey:        key,
		UseAWSBedrock: ac.UseBedrock,
		AWSRegion:     ac.AWSRegion,
		AWSProfile:    ac.AWSProfile,
	})
	if err != nil {
		logger.WarnCtx("anthropic provider disabled", map[string]any{"error": err.Error()})
		return providers
	}
	providers.Register(client)
	return providers
}

// Start launches the dispatcher, worker pool, report consumer, template
// watcher and beat. They run until ctx is cancelled or Stop is called.
func (o *Orchestra) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return ErrAlreadyStarted
	}
	if o.closed {
		return ErrStopped
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	if o.pool != nil {
		o.pool.Start()
	}
	g.Go(func() error { return o.dispatcher.Run(gctx) })
	if o.reports != nil {
		g.Go(func() error {
			return dispatch.ApplyReports(gctx, o.reports, o.store, o.logger.WithComponent("reports"))
		})
	}
	if o.cfg.Templates.Watch && o.registry.Dir() != "" {
		g.Go(func() error { return o.registry.Watch(gctx, o.cfg.Templates.Debounce) })
	}
	g.Go(func() error {
		o.logEvents(gctx)
		return nil
	})
	if o.beat != nil {
		if err := o.beat.Start(gctx); err != nil {
			cancel()
			_ = g.Wait()
			if o.pool != nil {
				o.pool.Stop()
			}
			return fmt.Errorf("start beat: %w", err)
		}
	}

	o.cancel = cancel
	o.group = g
	o.started = true
	o.logger.InfoCtx("orchestra started", map[string]any{
		"mode":      o.cfg.Dispatch.Mode,
		"pool_size": o.cfg.Workers.PoolSize,
		"templates": len(o.registry.List()),
		"schedules": len(o.cfg.Beat.Schedules),
	})
	return nil
}

// Stop halts every goroutine started by Start and releases the store and
// transport. It may be called without Start. Tasks still running are left
// running and are requeued by the next process that restores from the same
// store.
func (o *Orchestra) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrStopped
	}
	o.closed = true

	var err error
	if o.started {
		o.started = false
		if o.beat != nil {
			_ = o.beat.Stop()
		}
		o.cancel()
		err = o.group.Wait()
		if o.pool != nil {
			o.pool.Stop()
		}
		o.logger.InfoCtx("orchestra stopped", map[string]any{
			"dispatched": o.dispatcher.Dispatched(),
			"failures":   o.dispatcher.Failures(),
		})
	}
	if cerr := o.closeResources(); err == nil {
		err = cerr
	}
	return err
}

func (o *Orchestra) closeResources() error {
	var errs []error
	if o.transport != nil {
		errs = append(errs, o.transport.Close())
	}
	if o.db != nil {
		errs = append(errs, o.db.Close())
	}
	return errors.Join(errs...)
}

func (o *Orchestra) logEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-o.events.Events():
			o.logger.DebugCtx(string(ev.Type), map[string]any{
				"task_id":  ev.TaskID,
				"template": ev.TemplateName,
				"status":   string(ev.Status),
				"message":  ev.Message,
			})
			if o.opts.onEvent != nil {
				o.opts.onEvent(ev)
			}
		}
	}
}
