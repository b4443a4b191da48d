package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkarath/dirigent/internal/convention"
	"github.com/pkarath/dirigent/internal/signal"
	"github.com/pkarath/dirigent/internal/task"
	_ "modernc.org/sqlite"
)

// Store is the durable record of tasks, hierarchy, and state transitions,
// plus the audit tables (handoffs, conventions, signals) that keep
// non-happy-path history inspectable.
type Store interface {
	CreateTask(ctx context.Context, parentID string, kind task.Kind, unit task.WorkUnit, opts CreateOptions) (string, error)
	Transition(ctx context.Context, taskID string, newStatus task.Status, metadata map[string]string) error
	GetTask(ctx context.Context, taskID string) (*task.Task, error)
	GetUnit(ctx context.Context, taskID string) (task.WorkUnit, error)
	ListChildren(ctx context.Context, parentID string) ([]*task.Task, error)
	ListTasks(ctx context.Context) ([]*task.Task, error)
	AssignOwner(ctx context.Context, taskID, owner string) error

	SaveHandoff(ctx context.Context, taskID string, h *task.Handoff) error
	GetHandoff(ctx context.Context, taskID string) (*task.Handoff, error)

	SaveConvention(ctx context.Context, c convention.Convention) error
	ListConventions(ctx context.Context, scope string) ([]convention.Convention, error)
	SupersedeConvention(ctx context.Context, scope, key string, replacement convention.Convention) error

	SaveSignal(ctx context.Context, s signal.Signal) error
	ListSignals(ctx context.Context) ([]signal.Signal, error)

	Close() error
}

// CreateOptions carries the optional parts of task creation.
type CreateOptions struct {
	BlockedBy []string
	Owner     string
	Metadata  map[string]string
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite-backed store at the given path, creating
// parent directories if needed. Enables WAL mode, foreign keys, and a busy
// timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory store for testing. Uses a shared
// cache so multiple connections see the same database.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	return open(ctx, "file::memory:?mode=memory&cache=shared")
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// modernc.org/sqlite needs foreign keys enabled per connection via PRAGMA.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// One connection for primary queries, one for subqueries.
	db.SetMaxOpenConns(2)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
