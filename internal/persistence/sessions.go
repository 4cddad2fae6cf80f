package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SignalPassed is recorded when the worker calls mark_passing inside a session.
const SignalPassed = "passed"

type SessionRecord struct {
	ID        string     `json:"id"`
	SlotID    string     `json:"slot_id"`
	FeatureID int64      `json:"feature_id"`
	Outcome   string     `json:"outcome,omitempty"`
	ExitCode  *int       `json:"exit_code,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

type OutputLine struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Stream    string    `json:"stream"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) BeginSession(ctx context.Context, sessionID, slotID string, featureID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, slot_id, feature_id, started_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP);
	`, sessionID, slotID, featureID)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *Store) EndSession(ctx context.Context, sessionID, outcome string, exitCode int) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET outcome = ?, exit_code = ?, ended_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, outcome, exitCode, sessionID)
		if err != nil {
			return fmt.Errorf("end session: %w", err)
		}
		return nil
	})
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	var rec SessionRecord
	var exitCode sql.NullInt64
	var ended sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, slot_id, feature_id, outcome, exit_code, started_at, ended_at FROM sessions WHERE id = ?;
	`, sessionID).Scan(&rec.ID, &rec.SlotID, &rec.FeatureID, &rec.Outcome, &exitCode, &rec.StartedAt, &ended)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %s not found", sessionID)
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	if exitCode.Valid {
		c := int(exitCode.Int64)
		rec.ExitCode = &c
	}
	if ended.Valid {
		t := ended.Time
		rec.EndedAt = &t
	}
	return &rec, nil
}

// RecordSignal stores a worker control signal for a session. Repeats are no-ops.
func (s *Store) RecordSignal(ctx context.Context, sessionID string, featureID int64, signal string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO session_signals (session_id, feature_id, signal) VALUES (?, ?, ?);
		`, sessionID, featureID, signal)
		if err != nil {
			return fmt.Errorf("record signal: %w", err)
		}
		return nil
	})
}

func (s *Store) HasSignal(ctx context.Context, sessionID string, featureID int64, signal string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM session_signals WHERE session_id = ? AND feature_id = ? AND signal = ?;
	`, sessionID, featureID, signal).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("read signal: %w", err)
	}
	return n > 0, nil
}

func (s *Store) AppendOutput(ctx context.Context, sessionID, stream, line string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO session_output (session_id, stream, line) VALUES (?, ?, ?);
		`, sessionID, stream, line)
		if err != nil {
			return fmt.Errorf("append output: %w", err)
		}
		return nil
	})
}

// ListOutput returns a session's retained output lines in order. limit <= 0
// returns everything.
func (s *Store) ListOutput(ctx context.Context, sessionID string, limit int) ([]OutputLine, error) {
	query := `SELECT id, session_id, stream, line, created_at FROM session_output WHERE session_id = ? ORDER BY id ASC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query+`;`, args...)
	if err != nil {
		return nil, fmt.Errorf("list output: %w", err)
	}
	defer rows.Close()
	var out []OutputLine
	for rows.Next() {
		var l OutputLine
		if err := rows.Scan(&l.ID, &l.SessionID, &l.Stream, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan output: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ListSessions returns the most recent sessions, optionally for a single feature.
func (s *Store) ListSessions(ctx context.Context, featureID int64, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, slot_id, feature_id, outcome, exit_code, started_at, ended_at FROM sessions`
	var args []any
	if featureID != 0 {
		query += ` WHERE feature_id = ?`
		args = append(args, featureID)
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ?;`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var exitCode sql.NullInt64
		var ended sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.SlotID, &rec.FeatureID, &rec.Outcome, &exitCode, &rec.StartedAt, &ended); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if exitCode.Valid {
			c := int(exitCode.Int64)
			rec.ExitCode = &c
		}
		if ended.Valid {
			t := ended.Time
			rec.EndedAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RetentionResult reports rows removed by RunRetention.
type RetentionResult struct {
	OutputLines int64 `json:"output_lines"`
	Signals     int64 `json:"signals"`
}

// RunRetention purges session output and signals older than days. Crashed
// session output is kept regardless of age. days <= 0 disables retention.
func (s *Store) RunRetention(ctx context.Context, days int) (RetentionResult, error) {
	var res RetentionResult
	if days <= 0 {
		return res, nil
	}
	cutoff := fmt.Sprintf("-%d days", days)
	r, err := s.db.ExecContext(ctx, `
		DELETE FROM session_output
		WHERE created_at < datetime('now', ?)
			AND session_id NOT IN (SELECT id FROM sessions WHERE outcome = 'crashed');
	`, cutoff)
	if err != nil {
		return res, fmt.Errorf("purge session output: %w", err)
	}
	res.OutputLines, _ = r.RowsAffected()
	r, err = s.db.ExecContext(ctx, `DELETE FROM session_signals WHERE created_at < datetime('now', ?);`, cutoff)
	if err != nil {
		return res, fmt.Errorf("purge signals: %w", err)
	}
	res.Signals, _ = r.RowsAffected()
	return res, nil
}
