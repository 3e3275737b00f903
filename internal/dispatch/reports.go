package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/ShayCichocki/orchestra/internal/logging"
	"github.com/ShayCichocki/orchestra/internal/transport"
	"github.com/ShayCichocki/orchestra/pkg/models"
)

const reportBackoff = time.Second

// Transitioner applies terminal outcomes to tasks.
type Transitioner interface {
	Transition(id string, status models.TaskStatus, outcome models.Outcome) (*models.Task, error)
}

// StoreReporter applies worker reports directly to the task store. It is
// the reporter of the in-process pool.
type StoreReporter struct {
	Store Transitioner
}

// Report applies report through Transition.
func (r StoreReporter) Report(_ context.Context, report models.TaskReport) error {
	if !report.Status.IsTerminal() {
		return models.Errorf(models.ErrInvalidState, "report for %s has non-terminal status %q", report.TaskID, report.Status)
	}
	_, err := r.Store.Transition(report.TaskID, report.Status, report.Outcome())
	return err
}

// ApplyReports consumes remote worker reports until ctx is cancelled. Reports
// that the store rejects are logged and dropped; duplicates with the same
// outcome are accepted by Transition.
func ApplyReports(ctx context.Context, src transport.ReportSource, store Transitioner, logger *logging.Logger) error {
	if logger == nil {
		logger = logging.Nop()
	}
	reporter := StoreReporter{Store: store}
	for {
		report, err := src.NextReport(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.WarnCtx("receive report failed", map[string]any{"error": err.Error()})
			sleep(ctx, reportBackoff)
			continue
		}
		if err := reporter.Report(ctx, report); err != nil {
			level := logger.WarnCtx
			if errors.Is(err, models.ErrNotFound) {
				level = logger.ErrorCtx
			}
			level("dropping worker report", map[string]any{
				"task_id": report.TaskID,
				"status":  string(report.Status),
				"error":   err.Error(),
			})
			continue
		}
		logger.DebugCtx("applied worker report", map[string]any{
			"task_id": report.TaskID,
			"status":  string(report.Status),
		})
	}
}
