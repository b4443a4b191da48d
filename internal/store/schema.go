package store

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		parent_id TEXT,
		status TEXT NOT NULL,
		owner TEXT,
		metadata TEXT NOT NULL DEFAULT '{}',
		unit TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_parent_id ON tasks(parent_id);

	CREATE TABLE IF NOT EXISTS task_blockers (
		task_id TEXT NOT NULL,
		blocked_by_id TEXT NOT NULL,
		PRIMARY KEY (task_id, blocked_by_id),
		FOREIGN KEY (task_id) REFERENCES tasks(id),
		FOREIGN KEY (blocked_by_id) REFERENCES tasks(id)
	);

	CREATE INDEX IF NOT EXISTS idx_task_blockers_task_id ON task_blockers(task_id);

	CREATE TABLE IF NOT EXISTS handoffs (
		task_id TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (task_id) REFERENCES tasks(id)
	);

	CREATE TABLE IF NOT EXISTS conventions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		established_by TEXT NOT NULL,
		scope TEXT NOT NULL,
		superseded INTEGER NOT NULL DEFAULT 0,
		superseded_by TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_conventions_scope_key ON conventions(scope, key);

	CREATE TABLE IF NOT EXISTS signals (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		channel TEXT NOT NULL,
		level TEXT NOT NULL,
		category TEXT NOT NULL,
		issue TEXT NOT NULL,
		evidence TEXT,
		confidence TEXT,
		recommended_action TEXT,
		origin_task_id TEXT,
		target TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
