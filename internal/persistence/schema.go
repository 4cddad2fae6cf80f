package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one append-only schema step. A recorded checksum that no
// longer matches means the database was written by an incompatible build.
type migration struct {
	version  int
	checksum string
	stmts    []string
}

var migrations = []migration{
	{version: 1, checksum: "fl-v1-2026-10-feature-queue", stmts: schemaV1},
}

var schemaV1 = []string{
	`CREATE TABLE features (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		category TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		steps_json TEXT NOT NULL DEFAULT '[]',
		priority INTEGER NOT NULL,
		queue_seq INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending'
			CHECK(status IN ('pending', 'in_progress', 'passing', 'skipped_pending')),
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_attempt_at DATETIME,
		conflict_diagnostic TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE feature_claims (
		feature_id INTEGER NOT NULL REFERENCES features(id),
		slot_id TEXT NOT NULL,
		mode TEXT NOT NULL,
		claimed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (feature_id, slot_id)
	)`,
	`CREATE TABLE feature_events (
		event_id INTEGER PRIMARY KEY AUTOINCREMENT,
		feature_id INTEGER NOT NULL REFERENCES features(id),
		slot_id TEXT NOT NULL DEFAULT '',
		state_from TEXT,
		state_to TEXT NOT NULL,
		reason TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE usage_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project TEXT NOT NULL,
		session_id TEXT NOT NULL,
		slot_id TEXT NOT NULL DEFAULT '',
		feature_id INTEGER,
		model TEXT NOT NULL DEFAULT '',
		tokens_in INTEGER NOT NULL DEFAULT 0,
		tokens_out INTEGER NOT NULL DEFAULT 0,
		cache_read_tokens INTEGER NOT NULL DEFAULT 0,
		cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		num_turns INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE slots (
		slot_id TEXT PRIMARY KEY,
		project TEXT NOT NULL,
		mode TEXT NOT NULL CHECK(mode IN ('solo', 'collaborative', 'isolated-worktree')),
		status TEXT NOT NULL DEFAULT 'stopped' CHECK(status IN ('stopped', 'running', 'paused', 'crashed')),
		loop_state TEXT NOT NULL DEFAULT 'idle',
		current_feature_id INTEGER,
		worktree_path TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE sessions (
		id TEXT PRIMARY KEY,
		slot_id TEXT NOT NULL,
		feature_id INTEGER NOT NULL,
		outcome TEXT NOT NULL DEFAULT '',
		exit_code INTEGER,
		started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		ended_at DATETIME
	)`,
	`CREATE TABLE session_signals (
		session_id TEXT NOT NULL,
		feature_id INTEGER NOT NULL,
		signal TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (session_id, feature_id, signal)
	)`,
	`CREATE TABLE session_output (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		stream TEXT NOT NULL,
		line TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE kv_store (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trace_id TEXT NOT NULL DEFAULT '',
		actor TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		target TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX idx_features_queue ON features(status, priority, queue_seq, id)`,
	`CREATE INDEX idx_feature_claims_slot ON feature_claims(slot_id)`,
	`CREATE INDEX idx_feature_events_feature ON feature_events(feature_id, event_id)`,
	`CREATE INDEX idx_usage_log_project ON usage_log(project, created_at)`,
	`CREATE INDEX idx_session_output_session ON session_output(session_id, id)`,
}

// migrate applies pending migrations in one transaction and verifies the
// checksums of those already recorded.
func migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		checksum TEXT NOT NULL,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migration ledger: %w", err)
	}

	applied, err := appliedMigrations(ctx, tx)
	if err != nil {
		return err
	}
	latest := migrations[len(migrations)-1].version
	for v := range applied {
		if v > latest {
			return fmt.Errorf("database schema version %d is newer than this build (%d)", v, latest)
		}
	}

	for _, m := range migrations {
		if sum, ok := applied[m.version]; ok {
			if sum != m.checksum {
				return fmt.Errorf("schema version %d checksum mismatch: recorded %q, expected %q", m.version, sum, m.checksum)
			}
			continue
		}
		for i, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migration %d step %d: %w", m.version, i+1, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, checksum) VALUES (?, ?)`, m.version, m.checksum); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}

func appliedMigrations(ctx context.Context, tx *sql.Tx) (map[int]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("read migration ledger: %w", err)
	}
	defer rows.Close()
	out := map[int]string{}
	for rows.Next() {
		var v int
		var sum string
		if err := rows.Scan(&v, &sum); err != nil {
			return nil, fmt.Errorf("scan migration ledger: %w", err)
		}
		out[v] = sum
	}
	return out, rows.Err()
}
