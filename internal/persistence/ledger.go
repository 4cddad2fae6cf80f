package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RecordAttempt charges one attempt against a feature and returns the new count.
func (s *Store) RecordAttempt(ctx context.Context, featureID int64) (int, error) {
	var count int
	err := retryOnBusy(ctx, 5, func() error {
		err := s.db.QueryRowContext(ctx, `
			UPDATE features
			SET attempt_count = attempt_count + 1,
				last_attempt_at = CURRENT_TIMESTAMP,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?
			RETURNING attempt_count;
		`, featureID).Scan(&count)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %d", ErrFeatureNotFound, featureID)
		}
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("record attempt: %w", err)
	}
	return count, nil
}

// IsStuck reports whether the feature exhausted its attempt budget without passing.
func (s *Store) IsStuck(ctx context.Context, featureID int64) (bool, error) {
	f, err := s.GetFeature(ctx, featureID)
	if err != nil {
		return false, err
	}
	return f.Status != FeatureStatusPassing && f.Attempts >= s.MaxAttempts(), nil
}

// StuckFeatures lists non-passing features at or over the attempt budget.
func (s *Store) StuckFeatures(ctx context.Context) ([]Feature, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+featureColumns+` FROM features
		WHERE status != ? AND attempt_count >= ?
		ORDER BY priority ASC, queue_seq ASC, id ASC;
	`, FeatureStatusPassing, s.MaxAttempts())
	if err != nil {
		return nil, fmt.Errorf("stuck features: %w", err)
	}
	defer rows.Close()
	var out []Feature
	for rows.Next() {
		var f Feature
		if err := scanFeature(rows.Scan, &f); err != nil {
			return nil, fmt.Errorf("scan feature: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// UsageRecord is one append-only usage log entry for a session.
type UsageRecord struct {
	ID                  int64         `json:"id"`
	SessionID           string        `json:"session_id"`
	SlotID              string        `json:"slot_id,omitempty"`
	FeatureID           int64         `json:"feature_id,omitempty"`
	Model               string        `json:"model,omitempty"`
	TokensIn            int64         `json:"tokens_in"`
	TokensOut           int64         `json:"tokens_out"`
	CacheReadTokens     int64         `json:"cache_read_tokens"`
	CacheCreationTokens int64         `json:"cache_creation_tokens"`
	CostUSD             float64       `json:"cost_usd"`
	Duration            time.Duration `json:"duration"`
	NumTurns            int           `json:"num_turns"`
	CreatedAt           time.Time     `json:"created_at"`
}

// UsageTotals is derived from the usage log on every read.
type UsageTotals struct {
	Sessions            int64         `json:"sessions"`
	TokensIn            int64         `json:"tokens_in"`
	TokensOut           int64         `json:"tokens_out"`
	CacheReadTokens     int64         `json:"cache_read_tokens"`
	CacheCreationTokens int64         `json:"cache_creation_tokens"`
	CostUSD             float64       `json:"cost_usd"`
	Duration            time.Duration `json:"duration"`
}

// Tokens is the token figure compared against the token ceiling.
func (u UsageTotals) Tokens() int64 {
	return u.TokensIn + u.TokensOut
}

// Limits are project ceilings. Zero means unlimited.
type Limits struct {
	CostUSD float64
	Tokens  int64
}

type LimitStatus struct {
	Exceeded bool        `json:"exceeded"`
	Reason   string      `json:"reason,omitempty"`
	Totals   UsageTotals `json:"totals"`
}

// AppendUsage inserts a usage record for this project.
func (s *Store) AppendUsage(ctx context.Context, rec UsageRecord) error {
	if rec.SessionID == "" {
		return errors.New("usage record requires a session id")
	}
	var featureID any
	if rec.FeatureID != 0 {
		featureID = rec.FeatureID
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO usage_log (project, session_id, slot_id, feature_id, model,
				tokens_in, tokens_out, cache_read_tokens, cache_creation_tokens,
				cost_usd, duration_ms, num_turns, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, s.project, rec.SessionID, rec.SlotID, featureID, rec.Model,
			rec.TokensIn, rec.TokensOut, rec.CacheReadTokens, rec.CacheCreationTokens,
			rec.CostUSD, rec.Duration.Milliseconds(), rec.NumTurns)
		if err != nil {
			return fmt.Errorf("insert usage: %w", err)
		}
		return nil
	})
}

// Cumulative sums the usage log for this project.
func (s *Store) Cumulative(ctx context.Context) (UsageTotals, error) {
	var t UsageTotals
	var durationMS int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(tokens_in), 0), COALESCE(SUM(tokens_out), 0),
			COALESCE(SUM(cache_read_tokens), 0), COALESCE(SUM(cache_creation_tokens), 0),
			COALESCE(SUM(cost_usd), 0), COALESCE(SUM(duration_ms), 0)
		FROM usage_log WHERE project = ?;
	`, s.project).Scan(&t.Sessions, &t.TokensIn, &t.TokensOut,
		&t.CacheReadTokens, &t.CacheCreationTokens, &t.CostUSD, &durationMS)
	if err != nil {
		return UsageTotals{}, fmt.Errorf("cumulative usage: %w", err)
	}
	t.Duration = time.Duration(durationMS) * time.Millisecond
	return t, nil
}

// CheckLimits compares the derived totals against the ceilings.
func (s *Store) CheckLimits(ctx context.Context, limits Limits) (LimitStatus, error) {
	totals, err := s.Cumulative(ctx)
	if err != nil {
		return LimitStatus{}, err
	}
	st := LimitStatus{Totals: totals}
	switch {
	case limits.CostUSD > 0 && totals.CostUSD >= limits.CostUSD:
		st.Exceeded = true
		st.Reason = fmt.Sprintf("cost %.4f reached ceiling %.4f", totals.CostUSD, limits.CostUSD)
	case limits.Tokens > 0 && totals.Tokens() >= limits.Tokens:
		st.Exceeded = true
		st.Reason = fmt.Sprintf("tokens %d reached ceiling %d", totals.Tokens(), limits.Tokens)
	}
	return st, nil
}

// ListUsage returns the most recent usage records, newest first.
func (s *Store) ListUsage(ctx context.Context, limit int) ([]UsageRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, slot_id, COALESCE(feature_id, 0), model, tokens_in, tokens_out,
			cache_read_tokens, cache_creation_tokens, cost_usd, duration_ms, num_turns, created_at
		FROM usage_log WHERE project = ? ORDER BY id DESC LIMIT ?;
	`, s.project, limit)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	defer rows.Close()
	var out []UsageRecord
	for rows.Next() {
		var r UsageRecord
		var durationMS int64
		if err := rows.Scan(&r.ID, &r.SessionID, &r.SlotID, &r.FeatureID, &r.Model, &r.TokensIn, &r.TokensOut,
			&r.CacheReadTokens, &r.CacheCreationTokens, &r.CostUSD, &durationMS, &r.NumTurns, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		r.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}
