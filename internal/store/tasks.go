package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/pkarath/dirigent/internal/task"
)

// ErrTaskBlocked is returned when a task is dispatched before its blockers
// have all completed.
var ErrTaskBlocked = fmt.Errorf("task has incomplete blockers")

// CreateTask inserts a new task in pending state under the given parent.
// Nested-workflow depth is inherited from the parent and incremented when
// the parent is itself an agent-level task (a specialist spawning its own
// mini-workflow); creation is rejected beyond task.MaxDepth.
func (s *SQLiteStore) CreateTask(ctx context.Context, parentID string, kind task.Kind, unit task.WorkUnit, opts CreateOptions) (string, error) {
	if err := unit.Validate(); err != nil {
		return "", err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	depth := 0
	if parentID != "" {
		parent, err := getTaskTx(ctx, tx, parentID)
		if err != nil {
			return "", fmt.Errorf("parent %s: %w", parentID, err)
		}
		depth = parent.Depth()
		if parent.Kind == task.KindAgent {
			depth++
		}
	}
	if explicit, ok := opts.Metadata[task.MetaDepth]; ok {
		d, err := strconv.Atoi(explicit)
		if err != nil {
			return "", fmt.Errorf("invalid depth metadata %q", explicit)
		}
		depth = d
	}
	if depth > task.MaxDepth {
		return "", fmt.Errorf("%w: depth %d > %d", task.ErrDepthExceeded, depth, task.MaxDepth)
	}

	md := make(map[string]string, len(opts.Metadata)+1)
	for k, v := range opts.Metadata {
		md[k] = v
	}
	md[task.MetaDepth] = strconv.Itoa(depth)

	mdJSON, err := json.Marshal(md)
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	unitJSON, err := json.Marshal(unit)
	if err != nil {
		return "", fmt.Errorf("failed to encode work unit: %w", err)
	}

	id := task.NewID(kind)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, kind, parent_id, status, owner, metadata, unit, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`, id, string(kind), nullable(parentID), string(task.StatusPending), opts.Owner, string(mdJSON), string(unitJSON))
	if err != nil {
		return "", fmt.Errorf("failed to insert task: %w", err)
	}

	for _, blockerID := range opts.BlockedBy {
		var exists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, blockerID).Scan(&exists)
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("%w: blocker %s", task.ErrUnknownTask, blockerID)
		}
		if err != nil {
			return "", fmt.Errorf("failed to check blocker existence: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_blockers (task_id, blocked_by_id) VALUES (?, ?)
		`, id, blockerID)
		if err != nil {
			return "", fmt.Errorf("failed to insert blocker %s -> %s: %w", id, blockerID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}
	return id, nil
}

// Transition moves a task through the pending -> in_progress -> completed
// machine. Metadata is merged, never replaced, so annotations survive
// later transitions. A completion flagged stalled/failed/blocked without a
// reason is rejected; dispatching a task with incomplete blockers is
// rejected with ErrTaskBlocked.
func (s *SQLiteStore) Transition(ctx context.Context, taskID string, newStatus task.Status, metadata map[string]string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := getTaskTx(ctx, tx, taskID)
	if err != nil {
		return err
	}

	if err := task.ValidateTransition(current.Status, newStatus); err != nil {
		return err
	}

	merged := current.Metadata
	if merged == nil {
		merged = make(map[string]string)
	}
	for k, v := range metadata {
		merged[k] = v
	}

	if newStatus == task.StatusCompleted {
		if err := task.ValidateCompletionMetadata(merged); err != nil {
			return err
		}
	}

	if newStatus == task.StatusInProgress {
		unresolved, err := incompleteBlockers(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if len(unresolved) > 0 {
			return fmt.Errorf("%w: %s waiting on %v", ErrTaskBlocked, taskID, unresolved)
		}
	}

	mdJSON, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, metadata = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, string(newStatus), string(mdJSON), taskID)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}

	return tx.Commit()
}

// AssignOwner records the executor assigned to a task.
func (s *SQLiteStore) AssignOwner(ctx context.Context, taskID, owner string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET owner = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, owner, taskID)
	if err != nil {
		return fmt.Errorf("failed to assign owner: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", task.ErrUnknownTask, taskID)
	}
	return nil
}

// GetTask retrieves a task by ID, including its blockers.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, parent_id, status, owner, metadata, created_at, updated_at
		FROM tasks WHERE id = ?
	`, taskID)

	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", task.ErrUnknownTask, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	t.BlockedBy, err = s.loadBlockers(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// GetUnit retrieves the work unit recorded for a task.
func (s *SQLiteStore) GetUnit(ctx context.Context, taskID string) (task.WorkUnit, error) {
	var unitJSON string
	err := s.db.QueryRowContext(ctx, `SELECT unit FROM tasks WHERE id = ?`, taskID).Scan(&unitJSON)
	if err == sql.ErrNoRows {
		return task.WorkUnit{}, fmt.Errorf("%w: %s", task.ErrUnknownTask, taskID)
	}
	if err != nil {
		return task.WorkUnit{}, fmt.Errorf("failed to query work unit: %w", err)
	}

	var unit task.WorkUnit
	if err := json.Unmarshal([]byte(unitJSON), &unit); err != nil {
		return task.WorkUnit{}, fmt.Errorf("failed to decode work unit: %w", err)
	}
	return unit, nil
}

// ListChildren returns the tasks owned by parentID, in creation order.
func (s *SQLiteStore) ListChildren(ctx context.Context, parentID string) ([]*task.Task, error) {
	return s.listWhere(ctx, `WHERE parent_id = ?`, parentID)
}

// ListTasks returns all tasks in creation order.
func (s *SQLiteStore) ListTasks(ctx context.Context) ([]*task.Task, error) {
	return s.listWhere(ctx, ``)
}

func (s *SQLiteStore) listWhere(ctx context.Context, where string, args ...any) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, parent_id, status, owner, metadata, created_at, updated_at
		FROM tasks `+where+` ORDER BY created_at, id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		t.BlockedBy, err = s.loadBlockers(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

func (s *SQLiteStore) loadBlockers(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT blocked_by_id FROM task_blockers WHERE task_id = ? ORDER BY blocked_by_id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query blockers: %w", err)
	}
	defer rows.Close()

	var blockers []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan blocker: %w", err)
		}
		blockers = append(blockers, id)
	}
	return blockers, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	t := &task.Task{}
	var kind, status, mdJSON string
	var parentID, owner sql.NullString
	var createdAt, updatedAt time.Time

	err := row.Scan(&t.ID, &kind, &parentID, &status, &owner, &mdJSON, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	t.Kind = task.Kind(kind)
	t.Status = task.Status(status)
	t.ParentID = parentID.String
	t.Owner = owner.String
	t.CreatedAt = createdAt
	t.UpdatedAt = updatedAt

	if err := json.Unmarshal([]byte(mdJSON), &t.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return t, nil
}

func getTaskTx(ctx context.Context, tx *sql.Tx, taskID string) (*task.Task, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, kind, parent_id, status, owner, metadata, created_at, updated_at
		FROM tasks WHERE id = ?
	`, taskID)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", task.ErrUnknownTask, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	return t, nil
}

func incompleteBlockers(ctx context.Context, tx *sql.Tx, taskID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT b.blocked_by_id
		FROM task_blockers b
		JOIN tasks t ON t.id = b.blocked_by_id
		WHERE b.task_id = ? AND t.status != ?
	`, taskID, string(task.StatusCompleted))
	if err != nil {
		return nil, fmt.Errorf("failed to query blockers: %w", err)
	}
	defer rows.Close()

	var unresolved []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan blocker: %w", err)
		}
		unresolved = append(unresolved, id)
	}
	return unresolved, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
