package state

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/ShayCichocki/orchestra/pkg/models"
)

// InterruptedRun describes tasks left running by a previous process.
type InterruptedRun struct {
	TaskIDs      []string
	LastActivity time.Time
}

// RecoveryManager detects and recovers tasks interrupted by a shutdown or crash.
type RecoveryManager struct {
	db *DB
}

// NewRecoveryManager creates a new RecoveryManager with the given database.
func NewRecoveryManager(db *DB) *RecoveryManager {
	return &RecoveryManager{db: db}
}

// CheckForInterrupted returns the tasks persisted as running. Nil means
// the previous process stopped cleanly.
func (rm *RecoveryManager) CheckForInterrupted() (*InterruptedRun, error) {
	tasks, err := rm.db.ListTasks(TaskFilter{Status: models.TaskStatusRunning})
	if err != nil {
		return nil, fmt.Errorf("list running tasks: %w", err)
	}
	if len(tasks) == 0 {
		return nil, nil
	}

	run := &InterruptedRun{}
	for _, t := range tasks {
		run.TaskIDs = append(run.TaskIDs, t.ID)
		if t.StartedAt != nil && t.StartedAt.After(run.LastActivity) {
			run.LastActivity = *t.StartedAt
		}
	}
	return run, nil
}

// RequeueInterrupted repairs tasks left running without starting the
// runtime: tasks with a pending cancel become cancelled, the rest go back
// to queued with their start time cleared. It returns how many tasks were
// requeued and cancelled.
func (rm *RecoveryManager) RequeueInterrupted() (requeued, cancelled int, err error) {
	err = rm.db.Transaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE tasks
			SET status = ?, completed_at = ?, error = ?
			WHERE status = ? AND cancel_requested = 1`,
			string(models.TaskStatusCancelled), formatTime(time.Now()), models.CancelledByRequest,
			string(models.TaskStatusRunning),
		)
		if err != nil {
			return fmt.Errorf("cancel interrupted tasks: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		cancelled = int(n)

		res, err = tx.Exec(`
			UPDATE tasks
			SET status = ?, started_at = NULL
			WHERE status = ?`,
			string(models.TaskStatusQueued), string(models.TaskStatusRunning),
		)
		if err != nil {
			return fmt.Errorf("requeue interrupted tasks: %w", err)
		}
		n, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		requeued = int(n)
		return nil
	})
	return requeued, cancelled, err
}
