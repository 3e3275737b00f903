// Package transport moves dispatch messages and worker reports between the
// scheduler and the processes that execute tasks.
package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ShayCichocki/orchestra/internal/logging"
	"github.com/ShayCichocki/orchestra/pkg/models"
)

// Transport receives a dispatch message once per claimed task.
type Transport interface {
	Publish(ctx context.Context, msg models.DispatchMessage) error
	Close() error
}

// ReportSource yields completion and failure reports from remote workers.
// Reports may be delivered more than once.
type ReportSource interface {
	NextReport(ctx context.Context) (models.TaskReport, error)
}

// Local is the transport used when tasks run in-process. Publishing only
// records the message; the dispatcher hands the task to the local pool.
type Local struct {
	logger    *logging.Logger
	published atomic.Uint64

	mu      sync.Mutex
	history []models.DispatchMessage
	limit   int
}

// NewLocal creates a local transport that keeps the last limit messages.
func NewLocal(logger *logging.Logger, limit int) *Local {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Local{logger: logger, limit: limit}
}

// Publish records msg.
func (l *Local) Publish(ctx context.Context, msg models.DispatchMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.published.Add(1)
	if l.limit > 0 {
		l.mu.Lock()
		l.history = append(l.history, msg)
		if over := len(l.history) - l.limit; over > 0 {
			l.history = append(l.history[:0:0], l.history[over:]...)
		}
		l.mu.Unlock()
	}
	l.logger.DebugCtx("dispatch", map[string]any{
		"task_id":  msg.TaskID,
		"template": msg.TemplateName,
		"priority": msg.Priority,
	})
	return nil
}

// Published returns how many messages were published.
func (l *Local) Published() uint64 { return l.published.Load() }

// History returns the retained messages, oldest first.
func (l *Local) History() []models.DispatchMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.DispatchMessage(nil), l.history...)
}

// Close is a no-op.
func (l *Local) Close() error { return nil }

var _ Transport = (*Local)(nil)
