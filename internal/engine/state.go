package engine

import "github.com/basket/featureloop/internal/persistence"

// State is a node of the per-slot orchestration state machine.
type State string

const (
	StateIdle         State = "idle"
	StateSelecting    State = "selecting"
	StateClaiming     State = "claiming"
	StateRunning      State = "running"
	StateInterpreting State = "interpreting"
	StateCooldown     State = "cooldown"
	StatePaused       State = "paused"
	StateCompleted    State = "completed"
	StateBlocked      State = "blocked"
	StateCrashed      State = "crashed"
	StateStopped      State = "stopped"
)

// Terminal reports whether the loop has exited in this state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCrashed || s == StateStopped
}

// SlotStatus maps a loop state to the coarse status persisted for the slot.
func (s State) SlotStatus() persistence.SlotStatus {
	switch s {
	case StatePaused:
		return persistence.SlotStatusPaused
	case StateCrashed:
		return persistence.SlotStatusCrashed
	case StateStopped, StateCompleted:
		return persistence.SlotStatusStopped
	default:
		return persistence.SlotStatusRunning
	}
}

// ExitReason is why Run returned.
type ExitReason string

const (
	ExitCompleted ExitReason = "completed"
	ExitStopped   ExitReason = "stopped"
	ExitCrashed   ExitReason = "crashed"
)

// BlockReason explains a Blocked state.
type BlockReason string

const (
	BlockUsageLimit BlockReason = "usage_limit_exceeded"
	BlockStuck      BlockReason = "stuck_features"
)

type signal int

const (
	signalPause signal = iota
	signalResume
	signalWake
)
