package worker

import (
	"context"
	"time"

	"github.com/ShayCichocki/orchestra/pkg/models"
)

// DispatchSource yields dispatch messages published by a remote scheduler.
type DispatchSource interface {
	NextDispatch(ctx context.Context) (models.DispatchMessage, error)
}

// consumeBackoff is the pause after a failed receive.
const consumeBackoff = time.Second

// Consume feeds messages from src into the pool until ctx is cancelled. It
// only receives while a worker is idle, so messages stay on the broker for
// other worker processes when this one is saturated.
func (p *Pool) Consume(ctx context.Context, src DispatchSource) error {
	for {
		if err := p.WaitIdle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		msg, err := src.NextDispatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.WarnCtx("receive dispatch failed", map[string]any{"error": err.Error()})
			select {
			case <-time.After(consumeBackoff):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		if err := p.Submit(ctx, Job{Message: msg}); err != nil {
			// The message is already off the broker; report it so the task
			// does not stay running forever.
			p.logger.WarnCtx("dropping received task", map[string]any{"task_id": msg.TaskID, "error": err.Error()})
			rctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
			rerr := p.reporter.Report(rctx, models.TaskReport{
				TaskID: msg.TaskID,
				Status: models.TaskStatusFailed,
				Error:  "worker stopped before running task: " + err.Error(),
			})
			cancel()
			if rerr != nil {
				p.logger.ErrorCtx("failed to report dropped task", map[string]any{"task_id": msg.TaskID, "error": rerr.Error()})
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// WatchCancels forwards cancel notices to Cancel until notices is closed.
func (p *Pool) WatchCancels(notices <-chan string) {
	for id := range notices {
		p.Cancel(id)
	}
}
