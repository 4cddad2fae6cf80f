package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type SlotStatus string

const (
	SlotStatusStopped SlotStatus = "stopped"
	SlotStatusRunning SlotStatus = "running"
	SlotStatusPaused  SlotStatus = "paused"
	SlotStatusCrashed SlotStatus = "crashed"
)

// SlotRecord represents a row in the slots table.
type SlotRecord struct {
	SlotID           string     `json:"slot_id"`
	Project          string     `json:"project"`
	Mode             string     `json:"mode"`
	Status           SlotStatus `json:"status"`
	LoopState        string     `json:"loop_state"`
	CurrentFeatureID *int64     `json:"current_feature_id,omitempty"`
	WorktreePath     string     `json:"worktree_path,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func (s *Store) CreateSlot(ctx context.Context, slotID, mode string) (*SlotRecord, error) {
	if !ValidMode(mode) {
		return nil, fmt.Errorf("invalid slot mode %q", mode)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO slots (slot_id, project, mode, status, loop_state) VALUES (?, ?, ?, 'stopped', 'idle');
	`, slotID, s.project, mode); err != nil {
		return nil, fmt.Errorf("insert slot: %w", err)
	}
	return s.GetSlot(ctx, slotID)
}

func (s *Store) GetSlot(ctx context.Context, slotID string) (*SlotRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT slot_id, project, mode, status, loop_state, current_feature_id, worktree_path, created_at, updated_at
		FROM slots WHERE slot_id = ?;
	`, slotID)
	rec, err := scanSlot(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrSlotNotFound, slotID)
		}
		return nil, fmt.Errorf("get slot: %w", err)
	}
	return rec, nil
}

func (s *Store) ListSlots(ctx context.Context) ([]SlotRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT slot_id, project, mode, status, loop_state, current_feature_id, worktree_path, created_at, updated_at
		FROM slots WHERE project = ? ORDER BY created_at ASC, slot_id ASC;
	`, s.project)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	defer rows.Close()
	var out []SlotRecord
	for rows.Next() {
		rec, err := scanSlot(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanSlot(scanFn func(dest ...any) error) (*SlotRecord, error) {
	var rec SlotRecord
	var featureID sql.NullInt64
	if err := scanFn(&rec.SlotID, &rec.Project, &rec.Mode, &rec.Status, &rec.LoopState,
		&featureID, &rec.WorktreePath, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	if featureID.Valid {
		id := featureID.Int64
		rec.CurrentFeatureID = &id
	}
	return &rec, nil
}

// SlotState is the mutable part of a slot persisted on every loop transition.
type SlotState struct {
	Status       SlotStatus
	LoopState    string
	FeatureID    int64 // 0 means none
	WorktreePath string
}

func (s *Store) UpdateSlotState(ctx context.Context, slotID string, st SlotState) error {
	var featureID any
	if st.FeatureID != 0 {
		featureID = st.FeatureID
	}
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE slots
			SET status = ?, loop_state = ?, current_feature_id = ?, worktree_path = ?, updated_at = CURRENT_TIMESTAMP
			WHERE slot_id = ?;
		`, st.Status, st.LoopState, featureID, st.WorktreePath, slotID)
		if err != nil {
			return fmt.Errorf("update slot state: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrSlotNotFound, slotID)
		}
		return nil
	})
}

// DeleteSlot removes a slot record. Callers ensure the slot is not running.
func (s *Store) DeleteSlot(ctx context.Context, slotID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM slots WHERE slot_id = ?;`, slotID)
	if err != nil {
		return fmt.Errorf("delete slot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSlotNotFound, slotID)
	}
	return nil
}

// ResetLiveSlots marks slots left running or paused by a previous process as
// stopped, clearing their current feature. Returns the affected count.
func (s *Store) ResetLiveSlots(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE slots
		SET status = 'stopped', loop_state = 'stopped', current_feature_id = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE project = ? AND status IN ('running', 'paused');
	`, s.project)
	if err != nil {
		return 0, fmt.Errorf("reset live slots: %w", err)
	}
	return res.RowsAffected()
}
