package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pkarath/dirigent/internal/convention"
	"github.com/pkarath/dirigent/internal/signal"
	"github.com/pkarath/dirigent/internal/task"
)

// SaveHandoff stores the executor's completion report for a task.
func (s *SQLiteStore) SaveHandoff(ctx context.Context, taskID string, h *task.Handoff) error {
	payload, err := h.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode handoff: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO handoffs (task_id, payload) VALUES (?, ?)
		ON CONFLICT(task_id) DO UPDATE SET payload = excluded.payload
	`, taskID, string(payload))
	if err != nil {
		return fmt.Errorf("failed to save handoff: %w", err)
	}
	return nil
}

// GetHandoff retrieves the handoff recorded for a task.
func (s *SQLiteStore) GetHandoff(ctx context.Context, taskID string) (*task.Handoff, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM handoffs WHERE task_id = ?`, taskID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no handoff for task %s", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query handoff: %w", err)
	}
	return task.ParseHandoff([]byte(payload))
}

// SaveConvention appends a convention to the audit trail.
func (s *SQLiteStore) SaveConvention(ctx context.Context, c convention.Convention) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conventions (key, value, established_by, scope, superseded, superseded_by)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.Key, c.Value, c.EstablishedBy, c.Scope, boolInt(c.Superseded), c.SupersededBy)
	if err != nil {
		return fmt.Errorf("failed to save convention: %w", err)
	}
	return nil
}

// ListConventions returns every convention recorded for a scope, oldest
// first, superseded entries included.
func (s *SQLiteStore) ListConventions(ctx context.Context, scope string) ([]convention.Convention, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, established_by, scope, superseded, superseded_by, created_at
		FROM conventions WHERE scope = ? ORDER BY created_at, id
	`, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to query conventions: %w", err)
	}
	defer rows.Close()

	var out []convention.Convention
	for rows.Next() {
		var c convention.Convention
		var superseded int
		var createdAt time.Time
		if err := rows.Scan(&c.Key, &c.Value, &c.EstablishedBy, &c.Scope, &superseded, &c.SupersededBy, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan convention: %w", err)
		}
		c.Superseded = superseded != 0
		c.CreatedAt = createdAt
		out = append(out, c)
	}
	return out, rows.Err()
}

// SupersedeConvention marks prior entries for (scope, key) superseded and
// appends the replacement. Old entries are retained for audit, never
// deleted.
func (s *SQLiteStore) SupersedeConvention(ctx context.Context, scope, key string, replacement convention.Convention) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE conventions SET superseded = 1, superseded_by = ?
		WHERE scope = ? AND key = ? AND superseded = 0
	`, replacement.EstablishedBy, scope, key)
	if err != nil {
		return fmt.Errorf("failed to mark conventions superseded: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conventions (key, value, established_by, scope, superseded)
		VALUES (?, ?, ?, ?, 0)
	`, replacement.Key, replacement.Value, replacement.EstablishedBy, scope)
	if err != nil {
		return fmt.Errorf("failed to insert replacement convention: %w", err)
	}

	return tx.Commit()
}

// SaveSignal appends a routed signal to the audit trail.
func (s *SQLiteStore) SaveSignal(ctx context.Context, sig signal.Signal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signals (channel, level, category, issue, evidence, confidence, recommended_action, origin_task_id, target)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, string(sig.Channel), string(sig.Level), sig.Category, sig.Issue, sig.Evidence,
		string(sig.Confidence), sig.RecommendedAction, sig.OriginTaskID, sig.Target)
	if err != nil {
		return fmt.Errorf("failed to save signal: %w", err)
	}
	return nil
}

// ListSignals returns all routed signals, oldest first.
func (s *SQLiteStore) ListSignals(ctx context.Context) ([]signal.Signal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel, level, category, issue, evidence, confidence, recommended_action, origin_task_id, target, created_at
		FROM signals ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer rows.Close()

	var out []signal.Signal
	for rows.Next() {
		var sig signal.Signal
		var channel, level, confidence string
		var evidence, action, origin sql.NullString
		var createdAt time.Time
		if err := rows.Scan(&channel, &level, &sig.Category, &sig.Issue, &evidence,
			&confidence, &action, &origin, &sig.Target, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		sig.Channel = signal.Channel(channel)
		sig.Level = signal.Level(level)
		sig.Confidence = signal.Confidence(confidence)
		sig.Evidence = evidence.String
		sig.RecommendedAction = action.String
		sig.OriginTaskID = origin.String
		sig.Timestamp = createdAt
		out = append(out, sig)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
