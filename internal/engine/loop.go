// Package engine implements the per-slot orchestration loop: select a
// feature, gate it, run one worker session, interpret the outcome, cool down.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/featureloop/internal/bus"
	"github.com/basket/featureloop/internal/otel"
	"github.com/basket/featureloop/internal/persistence"
	"github.com/basket/featureloop/internal/session"
	"github.com/basket/featureloop/internal/shared"
	"github.com/basket/featureloop/internal/worktree"
)

// Runner executes one worker session.
type Runner interface {
	Run(ctx context.Context, req session.Request) (session.Result, error)
}

// Allocator manages the isolated sandbox of a worktree-mode slot.
type Allocator interface {
	Acquire(ctx context.Context, slotID string) (worktree.Sandbox, error)
	Sync(ctx context.Context, slotID string) error
	MergeBack(ctx context.Context, slotID, message string) (worktree.MergeResult, error)
}

// Settings are the tunables that may change while a loop runs.
type Settings struct {
	SessionDelay time.Duration
	Limits       persistence.Limits
}

type Config struct {
	SlotID    string
	Mode      string
	Store     *persistence.Store
	Runner    Runner
	Allocator Allocator
	// WorkDir is the shared project tree used outside worktree mode.
	WorkDir  string
	Bus      *bus.Bus
	Settings Settings
	Metrics  *otel.Metrics
	Tracer   trace.Tracer
	Logger   *slog.Logger
}

// Snapshot is a point-in-time view of a loop.
type Snapshot struct {
	SlotID       string      `json:"slot_id"`
	Mode         string      `json:"mode"`
	State        State       `json:"state"`
	FeatureID    int64       `json:"feature_id,omitempty"`
	BlockReason  BlockReason `json:"block_reason,omitempty"`
	Sessions     int         `json:"sessions"`
	LastOutcome  string      `json:"last_outcome,omitempty"`
	LastSession  string      `json:"last_session_id,omitempty"`
	WorktreePath string      `json:"worktree_path,omitempty"`
}

// Loop drives one slot. A Loop runs once; restart a slot with a new Loop.
type Loop struct {
	cfg     Config
	store   *persistence.Store
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otel.Metrics

	settings atomic.Pointer[Settings]
	signals  chan signal
	stopCh   chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	snap     Snapshot
	current  *persistence.Feature
	result   session.Result
	runErr   error
	sandbox  worktree.Sandbox
	blockMsg string
	busy     bool
}

// busyPoll bounds how fast a slot re-polls while other slots hold all remaining work.
const busyPoll = 250 * time.Millisecond

func New(cfg Config) *Loop {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = otel.NopMetrics()
	}
	if cfg.Mode == "" {
		cfg.Mode = persistence.ModeSolo
	}
	l := &Loop{
		cfg:     cfg,
		store:   cfg.Store,
		logger:  logger.With("component", "engine", "slot_id", cfg.SlotID, "mode", cfg.Mode),
		tracer:  tracer,
		metrics: metrics,
		signals: make(chan signal, 16),
		stopCh:  make(chan struct{}),
		snap:    Snapshot{SlotID: cfg.SlotID, Mode: cfg.Mode, State: StateIdle},
	}
	s := cfg.Settings
	l.settings.Store(&s)
	return l
}

// Pause freezes the loop at its next Selecting or Cooldown boundary.
func (l *Loop) Pause() { l.send(signalPause) }

// Resume continues a paused or blocked loop.
func (l *Loop) Resume() { l.send(signalResume) }

// Wake makes a blocked loop re-run its gates.
func (l *Loop) Wake() { l.send(signalWake) }

// Stop ends the loop. A running session is given the runner's grace period.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// Apply swaps the loop's settings and wakes it.
func (l *Loop) Apply(s Settings) {
	l.settings.Store(&s)
	l.Wake()
}

func (l *Loop) send(sig signal) {
	select {
	case l.signals <- sig:
	default:
		l.logger.Warn("control signal dropped; queue full", "signal", sig)
	}
}

func (l *Loop) stopRequested() bool {
	select {
	case <-l.stopCh:
		return true
	default:
		return false
	}
}

func (l *Loop) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snap
}

func (l *Loop) State() State {
	return l.Snapshot().State
}

// Run drives the state machine until Completed, Crashed or Stopped.
func (l *Loop) Run(ctx context.Context) ExitReason {
	ctx = shared.WithSlotID(ctx, l.cfg.SlotID)
	l.metrics.ActiveSlots.Add(ctx, 1)
	defer l.metrics.ActiveSlots.Add(context.WithoutCancel(ctx), -1)

	l.enter(ctx, StateIdle, "")
	state := StateSelecting
	for {
		switch state {
		case StateSelecting:
			state = l.selecting(ctx)
		case StateClaiming:
			state = l.claiming(ctx)
		case StateRunning:
			state = l.running(ctx)
		case StateInterpreting:
			state = l.interpreting(ctx)
		case StateCooldown:
			state = l.cooldown(ctx)
		case StatePaused:
			state = l.paused(ctx)
		case StateBlocked:
			state = l.blocked(ctx)
		case StateCompleted:
			l.enter(ctx, StateCompleted, "all features passing")
			return ExitCompleted
		case StateCrashed:
			l.enter(ctx, StateCrashed, l.takeRunErr())
			return ExitCrashed
		default:
			l.releaseCurrent(ctx, persistence.ReasonReleased)
			l.enter(ctx, StateStopped, "")
			return ExitStopped
		}
	}
}

// enter persists and publishes a state transition.
func (l *Loop) enter(ctx context.Context, st State, reason string) {
	l.mu.Lock()
	l.snap.State = st
	if st != StateBlocked {
		l.snap.BlockReason = ""
	}
	var featureID int64
	if l.current != nil {
		featureID = l.current.ID
	}
	l.snap.FeatureID = featureID
	l.snap.WorktreePath = l.sandbox.Path
	wt := l.sandbox.Path
	l.mu.Unlock()

	bg := context.WithoutCancel(ctx)
	if err := l.store.UpdateSlotState(bg, l.cfg.SlotID, persistence.SlotState{
		Status:       st.SlotStatus(),
		LoopState:    string(st),
		FeatureID:    featureID,
		WorktreePath: wt,
	}); err != nil {
		l.logger.Error("persist slot state", "state", st, "error", err)
	}
	l.publishStatus(st, featureID, reason)
	l.logger.Debug("loop state", "state", st, "feature_id", featureID, "reason", reason)
}

func (l *Loop) publishStatus(st State, featureID int64, reason string) {
	if l.cfg.Bus == nil {
		return
	}
	project := l.store.Project()
	l.cfg.Bus.Publish(bus.Topic(project, bus.KindAgentStatus), bus.AgentStatusEvent{
		Project:   project,
		SlotID:    l.cfg.SlotID,
		Status:    string(st.SlotStatus()),
		LoopState: string(st),
		FeatureID: featureID,
		Reason:    reason,
	})
}

// boundary handles queued control signals. It returns the state to divert
// to, or "" to carry on.
func (l *Loop) boundary(ctx context.Context) State {
	if ctx.Err() != nil || l.stopRequested() {
		return StateStopped
	}
	for {
		select {
		case sig := <-l.signals:
			if sig == signalPause {
				return StatePaused
			}
		default:
			return ""
		}
	}
}

func (l *Loop) selecting(ctx context.Context) State {
	if next := l.boundary(ctx); next != "" {
		return next
	}
	l.enter(ctx, StateSelecting, "")
	settings := l.settings.Load()

	limit, err := l.store.CheckLimits(ctx, settings.Limits)
	if err != nil {
		l.logger.Error("check usage limits", "error", err)
		return StateCooldown
	}
	if limit.Exceeded {
		return l.block(BlockUsageLimit, limit.Reason)
	}

	res, err := l.store.ClaimNext(ctx, persistence.ClaimRequest{SlotID: l.cfg.SlotID, Mode: l.cfg.Mode})
	if err != nil {
		l.logger.Error("claim next feature", "error", err)
		return StateCooldown
	}
	l.metrics.RecordClaim(ctx, string(res.Reason))
	switch res.Reason {
	case persistence.ClaimReasonAllPassing:
		return StateCompleted
	case persistence.ClaimReasonStuck:
		stuck, _ := l.store.StuckFeatures(ctx)
		ids := make([]string, 0, len(stuck))
		for _, f := range stuck {
			ids = append(ids, fmt.Sprintf("#%d", f.ID))
		}
		return l.block(BlockStuck, "remaining features exhausted their attempts: "+strings.Join(ids, ", "))
	case persistence.ClaimReasonBusy:
		l.mu.Lock()
		l.busy = true
		l.mu.Unlock()
		return StateCooldown
	}

	l.mu.Lock()
	l.current = res.Feature
	l.busy = false
	l.mu.Unlock()
	return StateClaiming
}

func (l *Loop) block(reason BlockReason, msg string) State {
	l.mu.Lock()
	l.snap.BlockReason = reason
	l.blockMsg = msg
	l.mu.Unlock()
	return StateBlocked
}

func (l *Loop) claiming(ctx context.Context) State {
	l.enter(ctx, StateClaiming, "")
	f := l.currentFeature()

	if l.cfg.Mode == persistence.ModeWorktree {
		if l.cfg.Allocator == nil {
			return l.crash(ctx, errors.New("worktree mode without an allocator"))
		}
		sb, err := l.cfg.Allocator.Acquire(ctx, l.cfg.SlotID)
		if err != nil {
			return l.crash(ctx, fmt.Errorf("acquire sandbox: %w", err))
		}
		l.mu.Lock()
		l.sandbox = sb
		l.mu.Unlock()
		if err := l.cfg.Allocator.Sync(ctx, l.cfg.SlotID); err != nil {
			if !errors.Is(err, worktree.ErrSyncConflict) {
				return l.crash(ctx, fmt.Errorf("sync sandbox: %w", err))
			}
			l.logger.Warn("sandbox sync conflicted; continuing on current base", "error", err)
		}
	}

	attempts, err := l.store.RecordAttempt(ctx, f.ID)
	if err != nil {
		return l.crash(ctx, fmt.Errorf("record attempt: %w", err))
	}
	l.mu.Lock()
	l.current.Attempts = attempts
	l.mu.Unlock()
	return StateRunning
}

// crash records an infrastructure failure and returns the claim to pending.
func (l *Loop) crash(ctx context.Context, err error) State {
	l.logger.Error("slot crashed", "error", err)
	l.mu.Lock()
	l.runErr = err
	l.mu.Unlock()
	l.releaseCurrent(ctx, persistence.ReasonReleased)
	return StateCrashed
}

func (l *Loop) takeRunErr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.runErr == nil {
		return ""
	}
	return l.runErr.Error()
}

func (l *Loop) running(ctx context.Context) State {
	l.enter(ctx, StateRunning, "")
	f := l.currentFeature()
	sessionID := shared.NewSessionID()
	ctx = shared.WithSessionID(shared.WithFeatureID(ctx, f.ID), sessionID)
	logger := shared.Logger(ctx, l.logger)

	ctx, span := otel.StartSpan(ctx, l.tracer, "engine.session",
		otel.AttrSlotID.String(l.cfg.SlotID),
		otel.AttrSlotMode.String(l.cfg.Mode),
		otel.AttrFeatureID.Int64(f.ID),
		otel.AttrSessionID.String(sessionID),
	)
	defer span.End()

	operatorContext, err := l.store.OperatorContext(ctx)
	if err != nil {
		logger.Warn("read operator context", "error", err)
	}
	if err := l.store.BeginSession(ctx, sessionID, l.cfg.SlotID, f.ID); err != nil {
		return l.crash(ctx, fmt.Errorf("begin session: %w", err))
	}

	workDir := l.cfg.WorkDir
	if sb := l.currentSandbox(); sb.Path != "" {
		workDir = sb.Path
	}
	res, err := l.cfg.Runner.Run(ctx, session.Request{
		SlotID:          l.cfg.SlotID,
		SessionID:       sessionID,
		Feature:         *f,
		WorkDir:         workDir,
		OperatorContext: operatorContext,
		Stop:            l.stopCh,
	})
	res.SessionID = sessionID

	bg := context.WithoutCancel(ctx)
	if endErr := l.store.EndSession(bg, sessionID, string(res.Outcome), res.ExitCode); endErr != nil {
		logger.Error("end session", "error", endErr)
	}
	if res.Usage.Reported || res.Usage.Estimated {
		if usageErr := l.store.AppendUsage(bg, persistence.UsageRecord{
			SessionID:           sessionID,
			SlotID:              l.cfg.SlotID,
			FeatureID:           f.ID,
			Model:               res.Usage.Model,
			TokensIn:            res.Usage.TokensIn,
			TokensOut:           res.Usage.TokensOut,
			CacheReadTokens:     res.Usage.CacheReadTokens,
			CacheCreationTokens: res.Usage.CacheCreationTokens,
			CostUSD:             res.Usage.CostUSD,
			Duration:            res.Usage.Duration,
			NumTurns:            res.Usage.NumTurns,
		}); usageErr != nil {
			logger.Error("append usage", "error", usageErr)
		}
	}

	l.mu.Lock()
	l.result = res
	l.snap.Sessions++
	l.snap.LastOutcome = string(res.Outcome)
	l.snap.LastSession = sessionID
	l.mu.Unlock()

	if err != nil {
		return l.crash(ctx, fmt.Errorf("run session: %w", err))
	}
	return StateInterpreting
}

func (l *Loop) interpreting(ctx context.Context) State {
	l.enter(ctx, StateInterpreting, "")
	bg := context.WithoutCancel(ctx)
	f := l.currentFeature()
	l.mu.Lock()
	res := l.result
	l.mu.Unlock()
	logger := shared.Logger(shared.WithSessionID(shared.WithFeatureID(ctx, f.ID), res.SessionID), l.logger)

	switch res.Outcome {
	case session.OutcomePassed:
		if l.cfg.Mode == persistence.ModeWorktree && l.cfg.Allocator != nil {
			merge, err := l.cfg.Allocator.MergeBack(bg, l.cfg.SlotID, fmt.Sprintf("feature #%d: %s", f.ID, f.Name))
			if err != nil {
				return l.crash(ctx, fmt.Errorf("merge back: %w", err))
			}
			if merge.Conflict {
				l.metrics.MergeConflicts.Add(bg, 1)
				diag := conflictDiagnostic(merge)
				logger.Warn("merge conflict; feature stays pending", "files", merge.Files)
				if err := l.store.RecordConflict(bg, f.ID, l.cfg.SlotID, diag); err != nil {
					logger.Error("record conflict", "error", err)
				}
				l.clearCurrent()
				return l.afterSession(ctx)
			}
		}
		if err := l.store.Complete(bg, f.ID, l.cfg.SlotID); err != nil {
			// An operator may have skipped or overridden the feature mid-session.
			logger.Warn("complete feature", "error", err)
		} else {
			logger.Info("feature passing", "attempts", f.Attempts)
		}
	default:
		if res.Outcome == session.OutcomeCrashed {
			logger.Error("worker crashed; output retained for diagnosis", "exit_code", res.ExitCode)
		}
		if err := l.store.Release(bg, f.ID, l.cfg.SlotID); err != nil {
			logger.Error("release feature", "error", err)
		}
		if f.Attempts >= l.store.MaxAttempts() {
			logger.Warn("feature is stuck", "attempts", f.Attempts)
			l.publishStatus(StateInterpreting, f.ID, fmt.Sprintf("feature #%d stuck after %d attempts", f.ID, f.Attempts))
		}
	}
	l.clearCurrent()
	return l.afterSession(ctx)
}

func (l *Loop) afterSession(ctx context.Context) State {
	if ctx.Err() != nil || l.stopRequested() {
		return StateStopped
	}
	return StateCooldown
}

func conflictDiagnostic(m worktree.MergeResult) string {
	diag := strings.TrimSpace(m.Diagnostic)
	if len(m.Files) > 0 {
		diag = "conflicting files: " + strings.Join(m.Files, ", ") + "\n" + diag
	}
	if diag == "" {
		diag = "merge conflict"
	}
	return diag
}

func (l *Loop) cooldown(ctx context.Context) State {
	if next := l.boundary(ctx); next != "" {
		return next
	}
	l.enter(ctx, StateCooldown, "")
	delay := l.settings.Load().SessionDelay
	l.mu.Lock()
	if l.busy && delay < busyPoll {
		delay = busyPoll
	}
	l.mu.Unlock()
	if delay <= 0 {
		return StateSelecting
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return StateStopped
		case <-l.stopCh:
			return StateStopped
		case sig := <-l.signals:
			if sig == signalPause {
				return StatePaused
			}
		case <-timer.C:
			return StateSelecting
		}
	}
}

func (l *Loop) paused(ctx context.Context) State {
	l.enter(ctx, StatePaused, "")
	for {
		select {
		case <-ctx.Done():
			return StateStopped
		case <-l.stopCh:
			return StateStopped
		case sig := <-l.signals:
			if sig == signalResume {
				return StateSelecting
			}
		}
	}
}

func (l *Loop) blocked(ctx context.Context) State {
	l.mu.Lock()
	msg := string(l.snap.BlockReason)
	if l.blockMsg != "" {
		msg += ": " + l.blockMsg
	}
	l.mu.Unlock()
	l.logger.Warn("slot blocked", "reason", msg)
	l.enter(ctx, StateBlocked, msg)
	for {
		select {
		case <-ctx.Done():
			return StateStopped
		case <-l.stopCh:
			return StateStopped
		case sig := <-l.signals:
			switch sig {
			case signalPause:
				return StatePaused
			case signalResume, signalWake:
				return StateSelecting
			}
		}
	}
}

func (l *Loop) currentFeature() *persistence.Feature {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

func (l *Loop) currentSandbox() worktree.Sandbox {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sandbox
}

func (l *Loop) clearCurrent() {
	l.mu.Lock()
	l.current = nil
	l.mu.Unlock()
}

func (l *Loop) releaseCurrent(ctx context.Context, reason string) {
	f := l.currentFeature()
	if f == nil {
		return
	}
	if err := l.store.Release(context.WithoutCancel(ctx), f.ID, l.cfg.SlotID); err != nil {
		l.logger.Error("release claim", "feature_id", f.ID, "reason", reason, "error", err)
	}
	l.clearCurrent()
}
