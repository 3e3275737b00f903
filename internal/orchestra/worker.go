package orchestra

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/orchestra/internal/config"
	"github.com/ShayCichocki/orchestra/internal/logging"
	"github.com/ShayCichocki/orchestra/internal/templates"
	"github.com/ShayCichocki/orchestra/internal/transport"
	"github.com/ShayCichocki/orchestra/internal/worker"
	"github.com/ShayCichocki/orchestra/pkg/models"
)

// Broker is the worker side of a remote transport.
type Broker interface {
	worker.DispatchSource
	PushReport(ctx context.Context, report models.TaskReport) error
	CancelNotices(ctx context.Context) (<-chan string, error)
	Close() error
}

var _ Broker = (*transport.Redis)(nil)

// Worker executes tasks published by a scheduler running in remote mode.
// It shares the template directory with the scheduler and sends every
// outcome back through the broker.
type Worker struct {
	cfg      *config.Config
	logger   *logging.Logger
	registry *templates.Registry
	broker   Broker
	pool     *worker.Pool
}

// WorkerOption configures a Worker.
type WorkerOption func(*workerOptions)

type workerOptions struct {
	options
	broker Broker
}

// WithBroker replaces the Redis broker built from config.
func WithBroker(b Broker) WorkerOption {
	return func(o *workerOptions) { o.broker = b }
}

// WithWorkerOptions applies Orchestra options that also make sense for a
// worker: logger, providers, command runner and HTTP client.
func WithWorkerOptions(opts ...Option) WorkerOption {
	return func(o *workerOptions) {
		for _, opt := range opts {
			opt(&o.options)
		}
	}
}

// NewWorker builds a Worker from cfg.
func NewWorker(cfg *config.Config, opts ...WorkerOption) (*Worker, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	var wo workerOptions
	for _, opt := range opts {
		opt(&wo)
	}
	logger := wo.logger
	if logger == nil {
		logger = logging.Nop()
	}

	broker := wo.broker
	if broker == nil {
		if cfg.Redis.URL == "" {
			return nil, errors.New("worker requires redis.url")
		}
		r, err := transport.NewRedis(redisConfig(cfg), logger.WithComponent("redis"))
		if err != nil {
			return nil, fmt.Errorf("create redis transport: %w", err)
		}
		broker = r
	}

	reg, err := loadRegistry(cfg, logger)
	if err != nil {
		broker.Close()
		return nil, err
	}
	providers := wo.providers
	if providers == nil {
		providers = buildProviders(cfg, logger)
	}
	pool, err := worker.New(worker.Config{
		Size:      cfg.Workers.PoolSize,
		Runner:    newExecutor(cfg, reg, providers, wo.options, logger),
		Templates: reg,
		Reporter:  worker.ReporterFunc(broker.PushReport),
		Logger:    logger.WithComponent("worker"),
	})
	if err != nil {
		broker.Close()
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	return &Worker{cfg: cfg, logger: logger, registry: reg, broker: broker, pool: pool}, nil
}

// Templates returns the worker's template registry.
func (w *Worker) Templates() *templates.Registry { return w.registry }

// Run consumes dispatch messages until ctx is cancelled, then waits for
// the pool to stop and closes the broker.
func (w *Worker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	notices, err := w.broker.CancelNotices(gctx)
	if err != nil {
		w.broker.Close()
		return err
	}
	w.pool.Start()
	w.logger.InfoCtx("worker started", map[string]any{
		"pool_size": w.pool.Size(),
		"templates": len(w.registry.List()),
	})

	g.Go(func() error { return w.pool.Consume(gctx, w.broker) })
	g.Go(func() error {
		w.pool.WatchCancels(notices)
		return nil
	})
	if w.cfg.Templates.Watch && w.registry.Dir() != "" {
		g.Go(func() error { return w.registry.Watch(gctx, w.cfg.Templates.Debounce) })
	}

	err = g.Wait()
	w.pool.Stop()
	if cerr := w.broker.Close(); err == nil {
		err = cerr
	}
	w.logger.InfoCtx("worker stopped", map[string]any{"processed": w.pool.Processed()})
	return err
}
