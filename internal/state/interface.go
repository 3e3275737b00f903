package state

import (
	"io"

	"github.com/ShayCichocki/orchestra/pkg/models"
)

// TaskStore handles task-related persistence operations.
type TaskStore interface {
	SaveTask(t *models.Task) error
	GetTask(id string) (*models.Task, error)
	LoadTasks() ([]*models.Task, error)
	ListTasks(f TaskFilter) ([]*models.Task, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// StateStore is the persistence backend used by the in-memory task store.
// It lets the store work with any backend without depending on SQLite.
type StateStore interface {
	io.Closer
	Migrator
	TaskStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ StateStore = (*DB)(nil)
	_ Migrator   = (*DB)(nil)
	_ TaskStore  = (*DB)(nil)
)
