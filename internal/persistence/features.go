package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/basket/featureloop/internal/bus"
)

type FeatureStatus string

const (
	FeatureStatusPending        FeatureStatus = "pending"
	FeatureStatusInProgress     FeatureStatus = "in_progress"
	FeatureStatusPassing        FeatureStatus = "passing"
	FeatureStatusSkippedPending FeatureStatus = "skipped_pending"
)

// IsPending reports whether the status belongs to the claimable pending family.
func (s FeatureStatus) IsPending() bool {
	return s == FeatureStatusPending || s == FeatureStatusSkippedPending
}

// Slot modes. Only collaborative claims may share a feature.
const (
	ModeSolo          = "solo"
	ModeCollaborative = "collaborative"
	ModeWorktree      = "isolated-worktree"
)

func ValidMode(mode string) bool {
	switch mode {
	case ModeSolo, ModeCollaborative, ModeWorktree:
		return true
	}
	return false
}

var allowedTransitions = map[FeatureStatus]map[FeatureStatus]struct{}{
	FeatureStatusPending: {
		FeatureStatusInProgress:     {},
		FeatureStatusSkippedPending: {},
		FeatureStatusPassing:        {}, // Worker marks passing outside a session.
	},
	FeatureStatusSkippedPending: {
		FeatureStatusInProgress:     {},
		FeatureStatusSkippedPending: {},
		FeatureStatusPassing:        {},
	},
	FeatureStatusInProgress: {
		FeatureStatusPending:        {},
		FeatureStatusPassing:        {},
		FeatureStatusSkippedPending: {},
	},
	FeatureStatusPassing: {
		FeatureStatusPending: {}, // Operator override only.
	},
}

func canTransition(from, to FeatureStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Transition reasons recorded in feature_events.
const (
	ReasonClaimed       = "claimed"
	ReasonJoined        = "joined"
	ReasonReleased      = "released"
	ReasonCompleted     = "completed"
	ReasonWorkerPassed  = "worker_mark_passing"
	ReasonSkipped       = "skipped"
	ReasonConflict      = "merge_conflict"
	ReasonRecovered     = "recovered"
	ReasonOverride      = "operator_override"
	ReasonClearStuck    = "clear_stuck"
	ReasonWorkerStarted = "worker_mark_in_progress"
	ReasonWorkerCleared = "worker_clear_in_progress"
)

type Feature struct {
	ID                 int64         `json:"id"`
	Category           string        `json:"category"`
	Name               string        `json:"name"`
	Description        string        `json:"description"`
	Steps              []string      `json:"steps"`
	Priority           int64         `json:"priority"`
	Status             FeatureStatus `json:"status"`
	Attempts           int           `json:"attempts"`
	LastAttemptAt      *time.Time    `json:"last_attempt_at,omitempty"`
	ConflictDiagnostic string        `json:"conflict_diagnostic,omitempty"`
	Owners             []string      `json:"owners,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// FeatureSpec is the input shape for bulk creation.
type FeatureSpec struct {
	Category    string   `json:"category"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Steps       []string `json:"steps"`
}

// ClaimReason explains the outcome of ClaimNext.
type ClaimReason string

const (
	ClaimReasonClaimed    ClaimReason = "claimed"
	ClaimReasonAllPassing ClaimReason = "all_passing"
	ClaimReasonStuck      ClaimReason = "stuck"
	// ClaimReasonBusy means the only remaining work is held by other slots or
	// was excluded by the caller.
	ClaimReasonBusy ClaimReason = "busy"
)

type ClaimRequest struct {
	SlotID   string
	Mode     string
	Excluded []int64
}

type ClaimResult struct {
	Feature *Feature
	Reason  ClaimReason
}

type Stats struct {
	Total      int     `json:"total"`
	Passing    int     `json:"passing"`
	InProgress int     `json:"in_progress"`
	Pending    int     `json:"pending"`
	Skipped    int     `json:"skipped"`
	Stuck      int     `json:"stuck"`
	Percentage float64 `json:"percentage"`
}

const featureColumns = `id, category, name, description, steps_json, priority, status,
	attempt_count, last_attempt_at, conflict_diagnostic, created_at, updated_at`

func scanFeature(scanFn func(dest ...any) error, f *Feature) error {
	var stepsJSON string
	var lastAttempt sql.NullTime
	if err := scanFn(
		&f.ID,
		&f.Category,
		&f.Name,
		&f.Description,
		&stepsJSON,
		&f.Priority,
		&f.Status,
		&f.Attempts,
		&lastAttempt,
		&f.ConflictDiagnostic,
		&f.CreatedAt,
		&f.UpdatedAt,
	); err != nil {
		return err
	}
	f.Steps = nil
	if stepsJSON != "" {
		if err := json.Unmarshal([]byte(stepsJSON), &f.Steps); err != nil {
			return fmt.Errorf("decode steps for feature %d: %w", f.ID, err)
		}
	}
	if lastAttempt.Valid {
		t := lastAttempt.Time
		f.LastAttemptAt = &t
	} else {
		f.LastAttemptAt = nil
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func getFeature(ctx context.Context, q queryer, id int64) (*Feature, error) {
	var f Feature
	row := q.QueryRowContext(ctx, `SELECT `+featureColumns+` FROM features WHERE id = ?;`, id)
	if err := scanFeature(row.Scan, &f); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrFeatureNotFound, id)
		}
		return nil, fmt.Errorf("select feature: %w", err)
	}
	owners, err := featureOwners(ctx, q, id)
	if err != nil {
		return nil, err
	}
	f.Owners = owners
	return &f, nil
}

func featureOwners(ctx context.Context, q queryer, id int64) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT slot_id FROM feature_claims WHERE feature_id = ? ORDER BY claimed_at, slot_id;`, id)
	if err != nil {
		return nil, fmt.Errorf("select feature owners: %w", err)
	}
	defer rows.Close()
	var owners []string
	for rows.Next() {
		var slot string
		if err := rows.Scan(&slot); err != nil {
			return nil, fmt.Errorf("scan feature owner: %w", err)
		}
		owners = append(owners, slot)
	}
	return owners, rows.Err()
}

func (s *Store) appendFeatureEventTx(ctx context.Context, tx *sql.Tx, featureID int64, slotID string, from, to FeatureStatus, reason string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO feature_events (feature_id, slot_id, state_from, state_to, reason, created_at)
		VALUES (?, ?, NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP);
	`, featureID, slotID, string(from), string(to), reason)
	if err != nil {
		return fmt.Errorf("insert feature_event: %w", err)
	}
	return nil
}

// transitionFeatureTx moves a feature from one of allowedFrom to "to" and
// appends the event. It reports false without error when the feature is not
// in an allowed state.
func (s *Store) transitionFeatureTx(ctx context.Context, tx *sql.Tx, featureID int64, slotID string, allowedFrom []FeatureStatus, to FeatureStatus, reason string) (FeatureStatus, bool, error) {
	var current FeatureStatus
	if err := tx.QueryRowContext(ctx, `SELECT status FROM features WHERE id = ?;`, featureID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, fmt.Errorf("%w: %d", ErrFeatureNotFound, featureID)
		}
		return "", false, fmt.Errorf("select feature for transition: %w", err)
	}
	if !slices.Contains(allowedFrom, current) {
		return current, false, nil
	}
	if !canTransition(current, to) {
		return current, false, fmt.Errorf("%w: %s -> %s", ErrIllegalStatus, current, to)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE features SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, to, featureID, current)
	if err != nil {
		return current, false, fmt.Errorf("update feature transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return current, false, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return current, false, nil
	}
	if err := s.appendFeatureEventTx(ctx, tx, featureID, slotID, current, to, reason); err != nil {
		return current, false, err
	}
	return current, true, nil
}

// mutate runs fn in a write transaction, retrying on SQLITE_BUSY, and
// publishes the resulting events only after commit. Holding s.mu across
// commit and publish keeps each feature's events in commit order.
func (s *Store) mutate(ctx context.Context, name string, fn func(tx *sql.Tx) ([]bus.FeatureUpdateEvent, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []bus.FeatureUpdateEvent
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin %s tx: %w", name, err)
		}
		defer func() { _ = tx.Rollback() }()
		evs, err := fn(tx)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit %s tx: %w", name, err)
		}
		events = evs
		return nil
	})
	if err != nil {
		return err
	}
	if len(events) == 0 || s.bus == nil {
		return nil
	}
	for _, ev := range events {
		ev.Project = s.project
		s.publish(bus.KindFeatureUpdate, ev)
	}
	if stats, err := s.Stats(ctx); err == nil {
		s.publish(bus.KindProgress, bus.ProgressEvent{
			Project:    s.project,
			Passing:    stats.Passing,
			InProgress: stats.InProgress,
			Total:      stats.Total,
			Percentage: stats.Percentage,
		})
	}
	return nil
}

func updateEvent(f *Feature, from FeatureStatus, to FeatureStatus, reason, slotID string) bus.FeatureUpdateEvent {
	return bus.FeatureUpdateEvent{
		FeatureID:  f.ID,
		Name:       f.Name,
		From:       string(from),
		To:         string(to),
		Reason:     reason,
		SlotID:     slotID,
		Attempts:   f.Attempts,
		Diagnostic: f.ConflictDiagnostic,
	}
}

// CreateFeatures appends features to the backlog in order, with priorities
// following the current maximum.
func (s *Store) CreateFeatures(ctx context.Context, specs []FeatureSpec) ([]int64, error) {
	var ids []int64
	err := s.mutate(ctx, "create features", func(tx *sql.Tx) ([]bus.FeatureUpdateEvent, error) {
		ids = ids[:0]
		var maxPriority, maxSeq int64
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(priority), 0), COALESCE(MAX(queue_seq), 0) FROM features;`).Scan(&maxPriority, &maxSeq); err != nil {
			return nil, fmt.Errorf("read max priority: %w", err)
		}
		for i, spec := range specs {
			if strings.TrimSpace(spec.Name) == "" {
				return nil, fmt.Errorf("feature %d: name is required", i)
			}
			steps := spec.Steps
			if steps == nil {
				steps = []string{}
			}
			stepsJSON, err := json.Marshal(steps)
			if err != nil {
				return nil, fmt.Errorf("encode steps: %w", err)
			}
			res, err := tx.ExecContext(ctx, `
				INSERT INTO features (category, name, description, steps_json, priority, queue_seq, status)
				VALUES (?, ?, ?, ?, ?, ?, 'pending');
			`, spec.Category, spec.Name, spec.Description, string(stepsJSON), maxPriority+int64(i)+1, maxSeq+int64(i)+1)
			if err != nil {
				return nil, fmt.Errorf("insert feature: %w", err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return nil, fmt.Errorf("feature id: %w", err)
			}
			ids = append(ids, id)
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Store) GetFeature(ctx context.Context, id int64) (*Feature, error) {
	return getFeature(ctx, s.db, id)
}

// ListFeatures returns features in queue order, optionally filtered by status.
func (s *Store) ListFeatures(ctx context.Context, statuses ...FeatureStatus) ([]Feature, error) {
	query := `SELECT ` + featureColumns + ` FROM features`
	var args []any
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY priority ASC, queue_seq ASC, id ASC;`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list features: %w", err)
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("features rows: %w", err)
	}
	claims, err := s.claimMap(ctx)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Owners = claims[out[i].ID]
	}
	return out, nil
}

func (s *Store) claimMap(ctx context.Context) (map[int64][]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT feature_id, slot_id FROM feature_claims ORDER BY claimed_at, slot_id;`)
	if err != nil {
		return nil, fmt.Errorf("list claims: %w", err)
	}
	defer rows.Close()
	out := make(map[int64][]string)
	for rows.Next() {
		var id int64
		var slot string
		if err := rows.Scan(&id, &slot); err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		out[id] = append(out[id], slot)
	}
	return out, rows.Err()
}

// ClaimNext atomically selects the next eligible feature and binds it to the
// calling slot. Selection order is priority ascending, then insertion order.
// Collaborative slots first try to join a feature held only by other
// collaborative slots.
func (s *Store) ClaimNext(ctx context.Context, req ClaimRequest) (ClaimResult, error) {
	if req.SlotID == "" {
		return ClaimResult{}, errors.New("claim requires a slot id")
	}
	if req.Mode == "" {
		req.Mode = ModeSolo
	}
	maxAttempts := s.MaxAttempts()
	var result ClaimResult

	err := s.mutate(ctx, "claim", func(tx *sql.Tx) ([]bus.FeatureUpdateEvent, error) {
		result = ClaimResult{}
		exclusion, exclArgs := "", []any{}
		if len(req.Excluded) > 0 {
			exclusion = ` AND f.id NOT IN (` + placeholders(len(req.Excluded)) + `)`
			for _, id := range req.Excluded {
				exclArgs = append(exclArgs, id)
			}
		}

		if req.Mode == ModeCollaborative {
			args := append([]any{FeatureStatusInProgress, maxAttempts}, exclArgs...)
			args = append(args, ModeCollaborative, req.SlotID)
			var id int64
			err := tx.QueryRowContext(ctx, `
				SELECT f.id FROM features f
				WHERE f.status = ? AND f.attempt_count < ?`+exclusion+`
					AND EXISTS (SELECT 1 FROM feature_claims c WHERE c.feature_id = f.id)
					AND NOT EXISTS (
						SELECT 1 FROM feature_claims c
						WHERE c.feature_id = f.id AND (c.mode != ? OR c.slot_id = ?)
					)
				ORDER BY (SELECT COUNT(*) FROM feature_claims c WHERE c.feature_id = f.id) ASC,
					f.priority ASC, f.queue_seq ASC, f.id ASC
				LIMIT 1;
			`, args...).Scan(&id)
			switch {
			case err == nil:
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO feature_claims (feature_id, slot_id, mode) VALUES (?, ?, ?);
				`, id, req.SlotID, req.Mode); err != nil {
					return nil, fmt.Errorf("insert joined claim: %w", err)
				}
				if err := s.appendFeatureEventTx(ctx, tx, id, req.SlotID, FeatureStatusInProgress, FeatureStatusInProgress, ReasonJoined); err != nil {
					return nil, err
				}
				f, err := getFeature(ctx, tx, id)
				if err != nil {
					return nil, err
				}
				result = ClaimResult{Feature: f, Reason: ClaimReasonClaimed}
				return []bus.FeatureUpdateEvent{updateEvent(f, FeatureStatusInProgress, FeatureStatusInProgress, ReasonJoined, req.SlotID)}, nil
			case !errors.Is(err, sql.ErrNoRows):
				return nil, fmt.Errorf("select collaborative feature: %w", err)
			}
		}

		args := append([]any{FeatureStatusPending, FeatureStatusSkippedPending, maxAttempts}, exclArgs...)
		var id int64
		err := tx.QueryRowContext(ctx, `
			SELECT f.id FROM features f
			WHERE f.status IN (?, ?) AND f.attempt_count < ?`+exclusion+`
			ORDER BY f.priority ASC, f.queue_seq ASC, f.id ASC
			LIMIT 1;
		`, args...).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			reason, rerr := s.emptyQueueReasonTx(ctx, tx, maxAttempts, len(req.Excluded) > 0)
			if rerr != nil {
				return nil, rerr
			}
			result = ClaimResult{Reason: reason}
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("select pending feature: %w", err)
		}

		from, ok, err := s.transitionFeatureTx(ctx, tx, id, req.SlotID,
			[]FeatureStatus{FeatureStatusPending, FeatureStatusSkippedPending}, FeatureStatusInProgress, ReasonClaimed)
		if err != nil {
			return nil, fmt.Errorf("claim feature transition: %w", err)
		}
		if !ok {
			result = ClaimResult{Reason: ClaimReasonBusy}
			return nil, nil
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO feature_claims (feature_id, slot_id, mode) VALUES (?, ?, ?);
		`, id, req.SlotID, req.Mode); err != nil {
			return nil, fmt.Errorf("insert claim: %w", err)
		}
		f, err := getFeature(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		result = ClaimResult{Feature: f, Reason: ClaimReasonClaimed}
		return []bus.FeatureUpdateEvent{updateEvent(f, from, FeatureStatusInProgress, ReasonClaimed, req.SlotID)}, nil
	})
	return result, err
}

func (s *Store) emptyQueueReasonTx(ctx context.Context, tx *sql.Tx, maxAttempts int, excluded bool) (ClaimReason, error) {
	var total, passing, inProgress, eligible int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'passing' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'in_progress' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status IN ('pending', 'skipped_pending') AND attempt_count < ? THEN 1 ELSE 0 END), 0)
		FROM features;
	`, maxAttempts).Scan(&total, &passing, &inProgress, &eligible)
	if err != nil {
		return "", fmt.Errorf("count queue: %w", err)
	}
	switch {
	case total == passing:
		return ClaimReasonAllPassing, nil
	case inProgress > 0:
		return ClaimReasonBusy, nil
	case excluded && eligible > 0:
		return ClaimReasonBusy, nil
	default:
		return ClaimReasonStuck, nil
	}
}

// Release drops the slot's claim. The feature returns to pending once it has
// no owners left. Releasing an unclaimed feature is a no-op.
func (s *Store) Release(ctx context.Context, featureID int64, slotID string) error {
	return s.mutate(ctx, "release", func(tx *sql.Tx) ([]bus.FeatureUpdateEvent, error) {
		return s.releaseTx(ctx, tx, featureID, slotID, ReasonReleased)
	})
}

// RecordConflict releases the slot's claim and attaches a merge conflict
// diagnostic. The attempt counter is left alone.
func (s *Store) RecordConflict(ctx context.Context, featureID int64, slotID, diagnostic string) error {
	return s.mutate(ctx, "record conflict", func(tx *sql.Tx) ([]bus.FeatureUpdateEvent, error) {
		if _, err := tx.ExecContext(ctx, `
			UPDATE features SET conflict_diagnostic = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, diagnostic, featureID); err != nil {
			return nil, fmt.Errorf("set conflict diagnostic: %w", err)
		}
		return s.releaseTx(ctx, tx, featureID, slotID, ReasonConflict)
	})
}

func (s *Store) releaseTx(ctx context.Context, tx *sql.Tx, featureID int64, slotID, reason string) ([]bus.FeatureUpdateEvent, error) {
	if _, err := tx.ExecContext(ctx, `DELETE FROM feature_claims WHERE feature_id = ? AND slot_id = ?;`, featureID, slotID); err != nil {
		return nil, fmt.Errorf("delete claim: %w", err)
	}
	var remaining int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM feature_claims WHERE feature_id = ?;`, featureID).Scan(&remaining); err != nil {
		return nil, fmt.Errorf("count claims: %w", err)
	}
	if remaining > 0 {
		return nil, nil
	}
	from, ok, err := s.transitionFeatureTx(ctx, tx, featureID, slotID,
		[]FeatureStatus{FeatureStatusInProgress}, FeatureStatusPending, reason)
	if err != nil || !ok {
		if errors.Is(err, ErrFeatureNotFound) {
			return nil, nil
		}
		return nil, err
	}
	f, err := getFeature(ctx, tx, featureID)
	if err != nil {
		return nil, err
	}
	return []bus.FeatureUpdateEvent{updateEvent(f, from, FeatureStatusPending, reason, slotID)}, nil
}

// Complete marks a feature passing and drops every claim on it. slotID must
// hold a claim; completing an already-passing feature is a no-op.
func (s *Store) Complete(ctx context.Context, featureID int64, slotID string) error {
	return s.mutate(ctx, "complete", func(tx *sql.Tx) ([]bus.FeatureUpdateEvent, error) {
		owners, err := featureOwners(ctx, tx, featureID)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(owners, slotID) {
			f, err := getFeature(ctx, tx, featureID)
			if err != nil {
				return nil, err
			}
			if f.Status == FeatureStatusPassing {
				return nil, nil
			}
			return nil, fmt.Errorf("%w: feature %d is not claimed by %s", ErrNotClaimed, featureID, slotID)
		}
		from, ok, err := s.transitionFeatureTx(ctx, tx, featureID, slotID,
			[]FeatureStatus{FeatureStatusInProgress}, FeatureStatusPassing, ReasonCompleted)
		if err != nil {
			return nil, err
		}
		if !ok {
			if from == FeatureStatusPassing {
				return nil, nil
			}
			return nil, fmt.Errorf("%w: feature %d is %s", ErrNotClaimed, featureID, from)
		}
		return s.finishPassingTx(ctx, tx, featureID, from, ReasonCompleted, slotID)
	})
}

// MarkPassing is the worker-facing pass mark used outside an orchestrated
// session. It accepts any non-passing feature and is idempotent.
func (s *Store) MarkPassing(ctx context.Context, featureID int64) error {
	return s.mutate(ctx, "mark passing", func(tx *sql.Tx) ([]bus.FeatureUpdateEvent, error) {
		from, ok, err := s.transitionFeatureTx(ctx, tx, featureID, "",
			[]FeatureStatus{FeatureStatusPending, FeatureStatusSkippedPending, FeatureStatusInProgress},
			FeatureStatusPassing, ReasonWorkerPassed)
		if err != nil || !ok {
			return nil, err
		}
		return s.finishPassingTx(ctx, tx, featureID, from, ReasonWorkerPassed, "")
	})
}

func (s *Store) finishPassingTx(ctx context.Context, tx *sql.Tx, featureID int64, from FeatureStatus, reason, slotID string) ([]bus.FeatureUpdateEvent, error) {
	if _, err := tx.ExecContext(ctx, `DELETE FROM feature_claims WHERE feature_id = ?;`, featureID); err != nil {
		return nil, fmt.Errorf("clear claims: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE features SET conflict_diagnostic = '' WHERE id = ?;`, featureID); err != nil {
		return nil, fmt.Errorf("clear diagnostic: %w", err)
	}
	f, err := getFeature(ctx, tx, featureID)
	if err != nil {
		return nil, err
	}
	return []bus.FeatureUpdateEvent{updateEvent(f, from, FeatureStatusPassing, reason, slotID)}, nil
}

// RequeueToBack moves a feature behind everything currently queued without
// touching its attempt counter. Passing features are refused. A non-empty
// slotID may only requeue features no other slot has claimed; the operator
// passes "".
func (s *Store) RequeueToBack(ctx context.Context, featureID int64, slotID string) error {
	return s.mutate(ctx, "requeue", func(tx *sql.Tx) ([]bus.FeatureUpdateEvent, error) {
		if slotID != "" {
			if err := refuseForeignClaimTx(ctx, tx, featureID, slotID); err != nil {
				return nil, err
			}
		}
		from, ok, err := s.transitionFeatureTx(ctx, tx, featureID, slotID,
			[]FeatureStatus{FeatureStatusPending, FeatureStatusSkippedPending, FeatureStatusInProgress},
			FeatureStatusSkippedPending, ReasonSkipped)
		if err != nil {
			return nil, err
		}
		if !ok {
			if from == FeatureStatusPassing {
				return nil, fmt.Errorf("%w: %d", ErrAlreadyPassing, featureID)
			}
			return nil, nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE features
			SET priority = (SELECT MAX(priority) FROM features) + 1,
				queue_seq = (SELECT MAX(queue_seq) FROM features) + 1,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, featureID); err != nil {
			return nil, fmt.Errorf("move feature to back: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM feature_claims WHERE feature_id = ?;`, featureID); err != nil {
			return nil, fmt.Errorf("clear claims: %w", err)
		}
		f, err := getFeature(ctx, tx, featureID)
		if err != nil {
			return nil, err
		}
		return []bus.FeatureUpdateEvent{updateEvent(f, from, FeatureStatusSkippedPending, ReasonSkipped, slotID)}, nil
	})
}

// ClearStuck resets a feature's attempt counter so it becomes claimable again.
func (s *Store) ClearStuck(ctx context.Context, featureID int64) error {
	return s.mutate(ctx, "clear stuck", func(tx *sql.Tx) ([]bus.FeatureUpdateEvent, error) {
		res, err := tx.ExecContext(ctx, `
			UPDATE features SET attempt_count = 0, last_attempt_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, featureID)
		if err != nil {
			return nil, fmt.Errorf("reset attempts: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, fmt.Errorf("%w: %d", ErrFeatureNotFound, featureID)
		}
		f, err := getFeature(ctx, tx, featureID)
		if err != nil {
			return nil, err
		}
		if err := s.appendFeatureEventTx(ctx, tx, featureID, "", f.Status, f.Status, ReasonClearStuck); err != nil {
			return nil, err
		}
		return []bus.FeatureUpdateEvent{updateEvent(f, f.Status, f.Status, ReasonClearStuck, "")}, nil
	})
}

// OverridePassing returns a passing feature to pending. This is the only way
// out of passing.
func (s *Store) OverridePassing(ctx context.Context, featureID int64) error {
	return s.mutate(ctx, "override", func(tx *sql.Tx) ([]bus.FeatureUpdateEvent, error) {
		from, ok, err := s.transitionFeatureTx(ctx, tx, featureID, "",
			[]FeatureStatus{FeatureStatusPassing}, FeatureStatusPending, ReasonOverride)
		if err != nil || !ok {
			return nil, err
		}
		f, err := getFeature(ctx, tx, featureID)
		if err != nil {
			return nil, err
		}
		return []bus.FeatureUpdateEvent{updateEvent(f, from, FeatureStatusPending, ReasonOverride, "")}, nil
	})
}

// MarkInProgress lets a worker claim a feature directly. Already in-progress
// features are left untouched.
func (s *Store) MarkInProgress(ctx context.Context, featureID int64, slotID string) error {
	if slotID == "" {
		slotID = standaloneSlot
	}
	return s.mutate(ctx, "mark in progress", func(tx *sql.Tx) ([]bus.FeatureUpdateEvent, error) {
		from, ok, err := s.transitionFeatureTx(ctx, tx, featureID, slotID,
			[]FeatureStatus{FeatureStatusPending, FeatureStatusSkippedPending}, FeatureStatusInProgress, ReasonWorkerStarted)
		if err != nil {
			return nil, err
		}
		if !ok {
			if from == FeatureStatusPassing {
				return nil, fmt.Errorf("%w: %d", ErrAlreadyPassing, featureID)
			}
			return nil, nil
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO feature_claims (feature_id, slot_id, mode) VALUES (?, ?, ?);
		`, featureID, slotID, ModeSolo); err != nil {
			return nil, fmt.Errorf("insert claim: %w", err)
		}
		f, err := getFeature(ctx, tx, featureID)
		if err != nil {
			return nil, err
		}
		return []bus.FeatureUpdateEvent{updateEvent(f, from, FeatureStatusInProgress, ReasonWorkerStarted, slotID)}, nil
	})
}

// ClearInProgress drops slotID's claim on a feature, returning it to pending
// once no claims remain. Features claimed by another slot are refused with
// ErrClaimedElsewhere. An empty slotID is the standalone worker.
func (s *Store) ClearInProgress(ctx context.Context, featureID int64, slotID string) error {
	if slotID == "" {
		slotID = standaloneSlot
	}
	return s.mutate(ctx, "clear in progress", func(tx *sql.Tx) ([]bus.FeatureUpdateEvent, error) {
		if _, err := getFeature(ctx, tx, featureID); err != nil {
			return nil, err
		}
		if err := refuseForeignClaimTx(ctx, tx, featureID, slotID); err != nil {
			return nil, err
		}
		return s.releaseTx(ctx, tx, featureID, slotID, ReasonWorkerCleared)
	})
}

// refuseForeignClaimTx fails when a slot other than slotID holds a claim on
// the feature.
func refuseForeignClaimTx(ctx context.Context, tx *sql.Tx, featureID int64, slotID string) error {
	owners, err := featureOwners(ctx, tx, featureID)
	if err != nil {
		return err
	}
	for _, o := range owners {
		if o != slotID {
			return fmt.Errorf("%w: feature %d is held by %s", ErrClaimedElsewhere, featureID, o)
		}
	}
	return nil
}

// RecoverClaims returns every in-progress feature to pending. It runs at
// startup, when no session can still be alive.
func (s *Store) RecoverClaims(ctx context.Context) (int, error) {
	var recovered int
	err := s.mutate(ctx, "recover claims", func(tx *sql.Tx) ([]bus.FeatureUpdateEvent, error) {
		recovered = 0
		rows, err := tx.QueryContext(ctx, `SELECT id FROM features WHERE status = ?;`, FeatureStatusInProgress)
		if err != nil {
			return nil, fmt.Errorf("select in-progress features: %w", err)
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan feature id: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM feature_claims;`); err != nil {
			return nil, fmt.Errorf("clear claims: %w", err)
		}
		var events []bus.FeatureUpdateEvent
		for _, id := range ids {
			from, ok, err := s.transitionFeatureTx(ctx, tx, id, "",
				[]FeatureStatus{FeatureStatusInProgress}, FeatureStatusPending, ReasonRecovered)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			recovered++
			f, err := getFeature(ctx, tx, id)
			if err != nil {
				return nil, err
			}
			events = append(events, updateEvent(f, from, FeatureStatusPending, ReasonRecovered, ""))
		}
		return events, nil
	})
	return recovered, err
}

// Stats summarizes the backlog.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'passing' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'in_progress' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'skipped_pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status != 'passing' AND attempt_count >= ? THEN 1 ELSE 0 END), 0)
		FROM features;
	`, s.MaxAttempts()).Scan(&st.Total, &st.Passing, &st.InProgress, &st.Pending, &st.Skipped, &st.Stuck)
	if err != nil {
		return Stats{}, fmt.Errorf("feature stats: %w", err)
	}
	if st.Total > 0 {
		st.Percentage = float64(st.Passing) * 100 / float64(st.Total)
	}
	return st, nil
}

// RegressionSample returns up to n random passing features.
func (s *Store) RegressionSample(ctx context.Context, n int) ([]Feature, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+featureColumns+` FROM features WHERE status = ? ORDER BY RANDOM() LIMIT ?;
	`, FeatureStatusPassing, n)
	if err != nil {
		return nil, fmt.Errorf("regression sample: %w", err)
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

// NextPending peeks at the feature ClaimNext would hand out, without claiming it.
func (s *Store) NextPending(ctx context.Context) (*Feature, error) {
	var f Feature
	row := s.db.QueryRowContext(ctx, `
		SELECT `+featureColumns+` FROM features
		WHERE status IN (?, ?) AND attempt_count < ?
		ORDER BY priority ASC, queue_seq ASC, id ASC LIMIT 1;
	`, FeatureStatusPending, FeatureStatusSkippedPending, s.MaxAttempts())
	if err := scanFeature(row.Scan, &f); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("next pending: %w", err)
	}
	return &f, nil
}

// FeatureEvent is one persisted status transition.
type FeatureEvent struct {
	EventID   int64     `json:"event_id"`
	FeatureID int64     `json:"feature_id"`
	SlotID    string    `json:"slot_id,omitempty"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) ListFeatureEvents(ctx context.Context, featureID int64) ([]FeatureEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, feature_id, slot_id, COALESCE(state_from, ''), state_to, reason, created_at
		FROM feature_events WHERE feature_id = ? ORDER BY event_id ASC;
	`, featureID)
	if err != nil {
		return nil, fmt.Errorf("list feature events: %w", err)
	}
	defer rows.Close()
	var out []FeatureEvent
	for rows.Next() {
		var ev FeatureEvent
		if err := rows.Scan(&ev.EventID, &ev.FeatureID, &ev.SlotID, &ev.From, &ev.To, &ev.Reason, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan feature event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
