// Package coordinator keeps the slot registry of a project and routes
// operator control actions to the per-slot orchestration loops.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/basket/featureloop/internal/bus"
	"github.com/basket/featureloop/internal/engine"
	"github.com/basket/featureloop/internal/otel"
	"github.com/basket/featureloop/internal/persistence"
)

var (
	ErrSlotLimit      = errors.New("slot limit reached")
	ErrSlotRunning    = errors.New("slot is running")
	ErrSlotNotRunning = errors.New("slot is not running")
	ErrUnknownSlot    = errors.New("unknown slot")
)

// Sandboxes is the worktree allocator as seen by the coordinator.
type Sandboxes interface {
	engine.Allocator
	Release(ctx context.Context, slotID string) error
}

type Config struct {
	Store  *persistence.Store
	Runner engine.Runner
	// Sandboxes is required only for isolated-worktree slots.
	Sandboxes Sandboxes
	WorkDir   string
	Bus       *bus.Bus

	MaxSlots    int
	DefaultMode string
	Settings    engine.Settings
	// AutoStop stops every other slot once one loop observes all features passing.
	AutoStop bool

	Metrics *otel.Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger
}

// SlotInfo describes a registered slot.
type SlotInfo struct {
	ID       string            `json:"slot_id"`
	Mode     string            `json:"mode"`
	Running  bool              `json:"running"`
	LastExit engine.ExitReason `json:"last_exit,omitempty"`
	Loop     *engine.Snapshot  `json:"loop,omitempty"`
}

type slot struct {
	id       string
	mode     string
	loop     *engine.Loop
	done     chan struct{}
	lastExit engine.ExitReason
}

func (s *slot) running() bool {
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

type Coordinator struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	slots    map[string]*slot
	settings engine.Settings
	wg       sync.WaitGroup
}

func New(cfg Config) *Coordinator {
	if cfg.MaxSlots <= 0 {
		cfg.MaxSlots = 1
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = persistence.ModeSolo
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:      cfg,
		logger:   logger.With("component", "coordinator"),
		slots:    make(map[string]*slot),
		settings: cfg.Settings,
	}
}

// Restore rebuilds the registry from the persisted slot table. Claims and
// slot states left behind by a previous process are reset first, since no
// session can have survived the restart.
func (c *Coordinator) Restore(ctx context.Context) (int, error) {
	recovered, err := c.cfg.Store.RecoverClaims(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover claims: %w", err)
	}
	reset, err := c.cfg.Store.ResetLiveSlots(ctx)
	if err != nil {
		return 0, err
	}
	records, err := c.cfg.Store.ListSlots(ctx)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	for _, rec := range records {
		if _, ok := c.slots[rec.SlotID]; !ok {
			c.slots[rec.SlotID] = &slot{id: rec.SlotID, mode: rec.Mode}
		}
	}
	n := len(c.slots)
	c.mu.Unlock()
	c.logger.Info("registry restored", "slots", n, "recovered_claims", recovered, "reset_slots", reset)
	return n, nil
}

// Spawn registers a new slot. An empty mode selects the configured default.
func (c *Coordinator) Spawn(ctx context.Context, mode string) (SlotInfo, error) {
	if mode == "" {
		mode = c.cfg.DefaultMode
	}
	if !persistence.ValidMode(mode) {
		return SlotInfo{}, fmt.Errorf("invalid slot mode %q", mode)
	}
	if mode == persistence.ModeWorktree && c.cfg.Sandboxes == nil {
		return SlotInfo{}, errors.New("isolated-worktree slots need a git project directory")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.slots) >= c.cfg.MaxSlots {
		return SlotInfo{}, fmt.Errorf("%w: %d", ErrSlotLimit, c.cfg.MaxSlots)
	}
	id := c.nextIDLocked()
	if _, err := c.cfg.Store.CreateSlot(ctx, id, mode); err != nil {
		return SlotInfo{}, err
	}
	s := &slot{id: id, mode: mode}
	c.slots[id] = s
	c.logger.Info("slot spawned", "slot_id", id, "mode", mode)
	return c.infoLocked(s), nil
}

func (c *Coordinator) nextIDLocked() string {
	highest := 0
	for id := range c.slots {
		if n, err := strconv.Atoi(strings.TrimPrefix(id, "agent-")); err == nil && n > highest {
			highest = n
		}
	}
	return "agent-" + strconv.Itoa(highest+1)
}

// Start launches the loop of a stopped slot, or of every stopped slot when
// slotID is empty. Starting a running slot is a no-op.
func (c *Coordinator) Start(ctx context.Context, slotID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	targets, err := c.targetsLocked(slotID)
	if err != nil {
		return err
	}
	for _, s := range targets {
		if s.running() {
			continue
		}
		c.startLocked(ctx, s)
	}
	return nil
}

func (c *Coordinator) startLocked(ctx context.Context, s *slot) {
	loop := engine.New(engine.Config{
		SlotID:    s.id,
		Mode:      s.mode,
		Store:     c.cfg.Store,
		Runner:    c.cfg.Runner,
		Allocator: c.allocator(),
		WorkDir:   c.cfg.WorkDir,
		Bus:       c.cfg.Bus,
		Settings:  c.settings,
		Metrics:   c.cfg.Metrics,
		Tracer:    c.cfg.Tracer,
		Logger:    c.cfg.Logger,
	})
	done := make(chan struct{})
	s.loop = loop
	s.done = done
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		exit := loop.Run(context.WithoutCancel(ctx))
		c.mu.Lock()
		s.lastExit = exit
		c.mu.Unlock()
		close(done)
		c.logger.Info("slot loop exited", "slot_id", s.id, "exit", exit)
		if exit == engine.ExitCompleted && c.cfg.AutoStop {
			if err := c.StopAll(context.Background()); err != nil {
				c.logger.Warn("auto stop", "error", err)
			}
		}
	}()
	c.logger.Info("slot started", "slot_id", s.id, "mode", s.mode)
}

func (c *Coordinator) allocator() engine.Allocator {
	if c.cfg.Sandboxes == nil {
		return nil
	}
	return c.cfg.Sandboxes
}

// Stop stops one slot, or all when slotID is empty, and waits for the loops
// to exit. An in-flight session finishes first, bounded by the stop grace.
func (c *Coordinator) Stop(ctx context.Context, slotID string) error {
	if slotID == "" {
		return c.StopAll(ctx)
	}
	c.mu.Lock()
	s, ok := c.slots[slotID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSlot, slotID)
	}
	return c.stopSlot(ctx, s)
}

func (c *Coordinator) stopSlot(ctx context.Context, s *slot) error {
	c.mu.Lock()
	loop, done := s.loop, s.done
	c.mu.Unlock()
	if loop == nil || done == nil {
		return nil
	}
	loop.Stop()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop %s: %w", s.id, ctx.Err())
	}
}

// StopAll stops every running slot concurrently.
func (c *Coordinator) StopAll(ctx context.Context) error {
	c.mu.Lock()
	running := make([]*slot, 0, len(c.slots))
	for _, s := range c.slots {
		if s.running() {
			running = append(running, s)
		}
	}
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range running {
		g.Go(func() error { return c.stopSlot(gctx, s) })
	}
	return g.Wait()
}

// Pause freezes one slot, or all running slots when slotID is empty, before
// their next selection.
func (c *Coordinator) Pause(slotID string) error {
	return c.signal(slotID, (*engine.Loop).Pause)
}

func (c *Coordinator) Resume(slotID string) error {
	return c.signal(slotID, (*engine.Loop).Resume)
}

func (c *Coordinator) signal(slotID string, fn func(*engine.Loop)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	targets, err := c.targetsLocked(slotID)
	if err != nil {
		return err
	}
	for _, s := range targets {
		if !s.running() {
			if slotID != "" {
				return fmt.Errorf("%w: %s", ErrSlotNotRunning, s.id)
			}
			continue
		}
		fn(s.loop)
	}
	return nil
}

// Remove deletes a stopped slot and releases its sandbox.
func (c *Coordinator) Remove(ctx context.Context, slotID string) error {
	c.mu.Lock()
	s, ok := c.slots[slotID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSlot, slotID)
	}
	if s.running() {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSlotRunning, slotID)
	}
	delete(c.slots, slotID)
	c.mu.Unlock()

	if s.mode == persistence.ModeWorktree && c.cfg.Sandboxes != nil {
		if err := c.cfg.Sandboxes.Release(ctx, slotID); err != nil {
			c.logger.Warn("release sandbox", "slot_id", slotID, "error", err)
		}
	}
	if err := c.cfg.Store.DeleteSlot(ctx, slotID); err != nil && !errors.Is(err, persistence.ErrSlotNotFound) {
		return err
	}
	c.logger.Info("slot removed", "slot_id", slotID)
	return nil
}

// ApplyLimits pushes new tunables to every slot and wakes blocked loops so
// they re-run the usage gate.
func (c *Coordinator) ApplyLimits(settings engine.Settings) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings = settings
	for _, s := range c.slots {
		if s.running() {
			s.loop.Apply(settings)
		}
	}
	c.logger.Info("limits applied",
		"cost_ceiling_usd", settings.Limits.CostUSD,
		"token_ceiling", settings.Limits.Tokens,
		"session_delay", settings.SessionDelay)
}

// Wake nudges every blocked loop to re-select.
func (c *Coordinator) Wake() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.slots {
		if s.running() {
			s.loop.Wake()
		}
	}
}

// Status returns every registered slot ordered by id.
func (c *Coordinator) Status() []SlotInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SlotInfo, 0, len(c.slots))
	for _, s := range c.slots {
		out = append(out, c.infoLocked(s))
	}
	sort.Slice(out, func(i, j int) bool { return slotLess(out[i].ID, out[j].ID) })
	return out
}

// Slot returns one slot's info.
func (c *Coordinator) Slot(slotID string) (SlotInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[slotID]
	if !ok {
		return SlotInfo{}, fmt.Errorf("%w: %s", ErrUnknownSlot, slotID)
	}
	return c.infoLocked(s), nil
}

// SlotIDs lists registered slot ids.
func (c *Coordinator) SlotIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.slots))
	for id := range c.slots {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return slotLess(ids[i], ids[j]) })
	return ids
}

// Running reports how many loops are live.
func (c *Coordinator) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.slots {
		if s.running() {
			n++
		}
	}
	return n
}

// Wait blocks until every started loop has exited.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) infoLocked(s *slot) SlotInfo {
	info := SlotInfo{ID: s.id, Mode: s.mode, Running: s.running(), LastExit: s.lastExit}
	if s.loop != nil {
		snap := s.loop.Snapshot()
		info.Loop = &snap
	}
	return info
}

func (c *Coordinator) targetsLocked(slotID string) ([]*slot, error) {
	if slotID == "" {
		out := make([]*slot, 0, len(c.slots))
		for _, s := range c.slots {
			out = append(out, s)
		}
		return out, nil
	}
	s, ok := c.slots[slotID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSlot, slotID)
	}
	return []*slot{s}, nil
}

// slotLess orders agent-2 before agent-10.
func slotLess(a, b string) bool {
	na, errA := strconv.Atoi(strings.TrimPrefix(a, "agent-"))
	nb, errB := strconv.Atoi(strings.TrimPrefix(b, "agent-"))
	if errA == nil && errB == nil {
		return na < nb
	}
	return a < b
}
