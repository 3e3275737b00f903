package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ShayCichocki/orchestra/pkg/models"
)

// ErrTaskNotFound is returned by GetTask for unknown IDs.
var ErrTaskNotFound = errors.New("task not found in database")

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Status   models.TaskStatus
	Template string
	Limit    int
	Offset   int
}

const taskColumns = `id, seq, template_name, parameters, priority, status, created_at,
	started_at, completed_at, result, error, cancel_requested`

// SaveTask inserts or replaces a task and its dependency rows.
func (db *DB) SaveTask(t *models.Task) error {
	params, err := json.Marshal(nonNilMap(t.Parameters))
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	var result sql.NullString
	if t.Result != nil {
		b, err := json.Marshal(t.Result)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		result = sql.NullString{String: string(b), Valid: true}
	}

	return db.Transaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO tasks (`+taskColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				priority = excluded.priority,
				status = excluded.status,
				started_at = excluded.started_at,
				completed_at = excluded.completed_at,
				result = excluded.result,
				error = excluded.error,
				cancel_requested = excluded.cancel_requested`,
			t.ID, int64(t.Seq), t.TemplateName, string(params), t.Priority, string(t.Status),
			formatTime(t.CreatedAt), formatNullableTime(t.StartedAt), formatNullableTime(t.CompletedAt),
			result, t.Error, boolToInt(t.CancelRequested),
		)
		if err != nil {
			return fmt.Errorf("save task %s: %w", t.ID, err)
		}
		// Dependencies are immutable, so they only need writing once.
		for i, dep := range t.DependsOn {
			if _, err := tx.Exec(
				`INSERT OR IGNORE INTO task_dependencies (task_id, depends_on, position) VALUES (?, ?, ?)`,
				t.ID, dep, i,
			); err != nil {
				return fmt.Errorf("save dependency %s -> %s: %w", t.ID, dep, err)
			}
		}
		return nil
	})
}

// GetTask loads a single task.
func (db *DB) GetTask(id string) (*models.Task, error) {
	row := db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	deps, err := db.dependencies(id)
	if err != nil {
		return nil, err
	}
	t.DependsOn = deps[id]
	return t, nil
}

// LoadTasks returns every persisted task in creation order.
func (db *DB) LoadTasks() ([]*models.Task, error) {
	return db.ListTasks(TaskFilter{})
}

// ListTasks returns tasks matching f. With no limit every match is returned
// oldest first; with a limit the newest come first, matching the store's
// listing order.
func (db *DB) ListTasks(f TaskFilter) ([]*models.Task, error) {
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Template != "" {
		where = append(where, "template_name = ?")
		args = append(args, f.Template)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if f.Limit > 0 {
		query += " ORDER BY created_at DESC, seq DESC LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	} else {
		query += " ORDER BY seq ASC"
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	rows.Close()

	deps, err := db.dependencies("")
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		t.DependsOn = deps[t.ID]
	}
	return tasks, nil
}

// CountByStatus returns how many tasks are in each status.
func (db *DB) CountByStatus() (map[models.TaskStatus]int, error) {
	rows, err := db.Query(`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[models.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

// dependencies returns dependency lists keyed by task ID; an empty id loads all.
func (db *DB) dependencies(id string) (map[string][]string, error) {
	query := `SELECT task_id, depends_on FROM task_dependencies`
	var args []any
	if id != "" {
		query += ` WHERE task_id = ?`
		args = append(args, id)
	}
	query += ` ORDER BY task_id, position`

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("load dependencies: %w", err)
	}
	defer rows.Close()

	deps := make(map[string][]string)
	for rows.Next() {
		var taskID, dep string
		if err := rows.Scan(&taskID, &dep); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		deps[taskID] = append(deps[taskID], dep)
	}
	return deps, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*models.Task, error) {
	var (
		t                  models.Task
		seq                int64
		params, status     string
		created            string
		started, completed sql.NullString
		result             sql.NullString
		cancelRequested    int
	)
	if err := s.Scan(&t.ID, &seq, &t.TemplateName, &params, &t.Priority, &status, &created,
		&started, &completed, &result, &t.Error, &cancelRequested); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}

	t.Seq = uint64(seq)
	t.Status = models.TaskStatus(status)
	t.CancelRequested = cancelRequested != 0
	createdAt, err := parseTime(created)
	if err != nil {
		return nil, fmt.Errorf("task %s: parse created_at: %w", t.ID, err)
	}
	t.CreatedAt = createdAt
	t.StartedAt = parseNullableTime(started)
	t.CompletedAt = parseNullableTime(completed)

	if err := json.Unmarshal([]byte(params), &t.Parameters); err != nil {
		return nil, fmt.Errorf("task %s: decode parameters: %w", t.ID, err)
	}
	if result.Valid {
		if err := json.Unmarshal([]byte(result.String), &t.Result); err != nil {
			return nil, fmt.Errorf("task %s: decode result: %w", t.ID, err)
		}
	}
	return &t, nil
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
