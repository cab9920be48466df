package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "goals: per-session goal stack",
		SQL: `
CREATE TABLE goals (
    id             TEXT PRIMARY KEY,
    user_id        TEXT NOT NULL,
    session_id     TEXT NOT NULL,
    goal_text      TEXT NOT NULL,
    status         TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'completed', 'abandoned')),
    goal_type      TEXT NOT NULL DEFAULT 'general',
    priority       INTEGER NOT NULL DEFAULT 5,
    context        TEXT,
    next_action    TEXT,
    deadline       INTEGER,
    parent_goal_id TEXT,
    source         TEXT NOT NULL DEFAULT 'classifier',
    created_at     INTEGER NOT NULL,
    updated_at     INTEGER NOT NULL
);

CREATE INDEX idx_goals_session   ON goals(user_id, session_id, status);
CREATE INDEX idx_goals_updated   ON goals(updated_at DESC);

-- Race defense behind the upsert: at most one active planner-owned goal
-- per (user, session, type, parent) even when callers bypass the lock.
CREATE UNIQUE INDEX idx_goals_active_key
    ON goals(user_id, session_id, goal_type, COALESCE(parent_goal_id, ''))
    WHERE status = 'active' AND source = 'agenda_planner';
`,
	},
	{
		Version:     2,
		Description: "goal_journal: append-only lifecycle audit log",
		SQL: `
CREATE TABLE goal_journal (
    id             INTEGER PRIMARY KEY,
    user_id        TEXT NOT NULL,
    session_id     TEXT NOT NULL,
    goal_id        TEXT,
    event_type     TEXT NOT NULL CHECK (event_type IN ('seeded', 'created', 'updated', 'completed', 'abandoned', 'promoted', 'snapshot')),
    payload        TEXT,
    created_at     INTEGER NOT NULL
);

CREATE INDEX idx_journal_session ON goal_journal(user_id, session_id);
CREATE INDEX idx_journal_goal    ON goal_journal(goal_id);
CREATE INDEX idx_journal_created ON goal_journal(created_at DESC);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
