package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/ShayCichocki/orchestra/internal/logging"
	"github.com/ShayCichocki/orchestra/pkg/models"
)

// RedisConfig configures the Redis transport.
type RedisConfig struct {
	URL           string
	KeyPrefix     string
	DispatchQueue string
	ReportsQueue  string
	TaskTTL       time.Duration
}

// Redis is a broker transport. Dispatch messages are RPUSHed onto the
// dispatch queue and kept at <prefix>:task:<id> for TaskTTL; workers push
// reports onto the reports queue and cancellations go out on
// <prefix>:cancel.
type Redis struct {
	client *redis.Client
	cfg    RedisConfig
	logger *logging.Logger
	// pollTimeout bounds each BLPOP so context cancellation is noticed.
	pollTimeout time.Duration
}

// NewRedis connects to cfg.URL.
func NewRedis(cfg RedisConfig, logger *logging.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisFromClient(redis.NewClient(opts), cfg, logger), nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client, cfg RedisConfig, logger *logging.Logger) *Redis {
	if logger == nil {
		logger = logging.Nop()
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "orchestra"
	}
	if cfg.DispatchQueue == "" {
		cfg.DispatchQueue = cfg.KeyPrefix + ":dispatch"
	}
	if cfg.ReportsQueue == "" {
		cfg.ReportsQueue = cfg.KeyPrefix + ":reports"
	}
	return &Redis{client: client, cfg: cfg, logger: logger, pollTimeout: time.Second}
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// TaskKey returns the key holding the dispatch payload of id.
func (r *Redis) TaskKey(id string) string {
	return fmt.Sprintf("%s:task:%s", r.cfg.KeyPrefix, id)
}

// CancelChannel returns the pub/sub channel for cancellation notices.
func (r *Redis) CancelChannel() string {
	return r.cfg.KeyPrefix + ":cancel"
}

// Publish stores the message and enqueues it in one transaction.
func (r *Redis) Publish(ctx context.Context, msg models.DispatchMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal dispatch message: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.TaskKey(msg.TaskID), data, r.cfg.TaskTTL)
		pipe.RPush(ctx, r.cfg.DispatchQueue, data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish task %s: %w", msg.TaskID, err)
	}
	return nil
}

// NextDispatch blocks until a dispatch message is available. Used by
// remote worker processes.
func (r *Redis) NextDispatch(ctx context.Context) (models.DispatchMessage, error) {
	var msg models.DispatchMessage
	payload, err := r.pop(ctx, r.cfg.DispatchQueue)
	if err != nil {
		return msg, err
	}
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return msg, fmt.Errorf("decode dispatch message: %w", err)
	}
	return msg, nil
}

// PushReport sends a worker report back to the scheduler.
func (r *Redis) PushReport(ctx context.Context, report models.TaskReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := r.client.RPush(ctx, r.cfg.ReportsQueue, data).Err(); err != nil {
		return fmt.Errorf("push report for %s: %w", report.TaskID, err)
	}
	return nil
}

// NextReport blocks until a worker report is available.
func (r *Redis) NextReport(ctx context.Context) (models.TaskReport, error) {
	var report models.TaskReport
	payload, err := r.pop(ctx, r.cfg.ReportsQueue)
	if err != nil {
		return report, err
	}
	if err := json.Unmarshal([]byte(payload), &report); err != nil {
		return report, fmt.Errorf("decode report: %w", err)
	}
	return report, nil
}

// Cancel publishes a cancellation notice for a running task. It satisfies
// the store's Canceller, so it cannot return an error; failures are logged.
func (r *Redis) Cancel(taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.client.Publish(ctx, r.CancelChannel(), taskID).Err(); err != nil {
		r.logger.WarnCtx("publish cancel failed", map[string]any{"task_id": taskID, "error": err.Error()})
	}
}

// CancelNotices delivers task IDs published on the cancel channel until ctx
// is done.
func (r *Redis) CancelNotices(ctx context.Context) (<-chan string, error) {
	pubsub := r.client.Subscribe(ctx, r.CancelChannel())
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", r.CancelChannel(), err)
	}

	out := make(chan string)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) pop(ctx context.Context, key string) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		res, err := r.client.BLPop(ctx, r.pollTimeout, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("blpop %s: %w", key, err)
		}
		// BLPOP returns [key, value].
		if len(res) != 2 {
			return "", fmt.Errorf("blpop %s: unexpected reply %v", key, res)
		}
		return res[1], nil
	}
}

var (
	_ Transport    = (*Redis)(nil)
	_ ReportSource = (*Redis)(nil)
)
