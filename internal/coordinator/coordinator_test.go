package coordinator_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/featureloop/internal/bus"
	"github.com/basket/featureloop/internal/coordinator"
	"github.com/basket/featureloop/internal/engine"
	"github.com/basket/featureloop/internal/persistence"
	"github.com/basket/featureloop/internal/session"
)

func openTestStore(t *testing.T, b *bus.Bus) (*persistence.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "features.db")
	store, err := persistence.Open(path, "demo", b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, path
}

func seed(t *testing.T, store *persistence.Store, n int) []int64 {
	t.Helper()
	specs := make([]persistence.FeatureSpec, n)
	for i := range specs {
		specs[i] = persistence.FeatureSpec{Name: fmt.Sprintf("feature %d", i+1)}
	}
	ids, err := store.CreateFeatures(context.Background(), specs)
	if err != nil {
		t.Fatalf("create features: %v", err)
	}
	return ids
}

// exclusiveRunner passes every feature and fails the test if two sessions
// ever hold the same feature at once.
type exclusiveRunner struct {
	t      *testing.T
	delay  time.Duration
	mu     sync.Mutex
	active map[int64]string
	ran    map[int64]int
}

func newExclusiveRunner(t *testing.T, delay time.Duration) *exclusiveRunner {
	return &exclusiveRunner{t: t, delay: delay, active: map[int64]string{}, ran: map[int64]int{}}
}

func (r *exclusiveRunner) Run(_ context.Context, req session.Request) (session.Result, error) {
	r.mu.Lock()
	if other, ok := r.active[req.Feature.ID]; ok {
		r.t.Errorf("feature %d held by %s and %s at once", req.Feature.ID, other, req.SlotID)
	}
	r.active[req.Feature.ID] = req.SlotID
	r.ran[req.Feature.ID]++
	r.mu.Unlock()

	time.Sleep(r.delay)

	r.mu.Lock()
	delete(r.active, req.Feature.ID)
	r.mu.Unlock()
	return session.Result{Outcome: session.OutcomePassed}, nil
}

// blockingRunner holds each session until its stop channel fires.
type blockingRunner struct {
	started chan string
}

func (r *blockingRunner) Run(_ context.Context, req session.Request) (session.Result, error) {
	r.started <- req.SlotID
	<-req.Stop
	return session.Result{Outcome: session.OutcomeTimedOutSoftly}, nil
}

func TestSpawn_EnforcesSlotLimit(t *testing.T) {
	store, _ := openTestStore(t, nil)
	c := coordinator.New(coordinator.Config{Store: store, Runner: newExclusiveRunner(t, 0), MaxSlots: 2})
	ctx := context.Background()

	a, err := c.Spawn(ctx, "")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if a.ID != "agent-1" || a.Mode != persistence.ModeSolo {
		t.Fatalf("first slot = %+v", a)
	}
	if _, err := c.Spawn(ctx, persistence.ModeCollaborative); err != nil {
		t.Fatalf("spawn second: %v", err)
	}
	if _, err := c.Spawn(ctx, ""); !errors.Is(err, coordinator.ErrSlotLimit) {
		t.Fatalf("third spawn err = %v, want ErrSlotLimit", err)
	}
	if _, err := c.Spawn(ctx, "bogus"); err == nil {
		t.Fatal("expected invalid mode error")
	}
	if _, err := c.Spawn(ctx, persistence.ModeWorktree); err == nil {
		t.Fatal("worktree slot without sandboxes must be rejected")
	}
	recs, err := store.ListSlots(ctx)
	if err != nil {
		t.Fatalf("list slots: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("persisted slots = %d, want 2", len(recs))
	}
}

func TestParallelSoloSlotsNeverShareAFeature(t *testing.T) {
	store, _ := openTestStore(t, nil)
	ids := seed(t, store, 8)
	runner := newExclusiveRunner(t, 10*time.Millisecond)
	c := coordinator.New(coordinator.Config{Store: store, Runner: runner, MaxSlots: 3, AutoStop: true})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := c.Spawn(ctx, persistence.ModeSolo); err != nil {
			t.Fatalf("spawn: %v", err)
		}
	}
	if err := c.Start(ctx, ""); err != nil {
		t.Fatalf("start: %v", err)
	}

	done := make(chan struct{})
	go func() { c.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("slots did not finish")
	}

	for _, id := range ids {
		f, err := store.GetFeature(ctx, id)
		if err != nil {
			t.Fatalf("get feature: %v", err)
		}
		if f.Status != persistence.FeatureStatusPassing {
			t.Fatalf("feature %d = %s, want passing", id, f.Status)
		}
		if runner.ran[id] != 1 {
			t.Fatalf("feature %d ran %d sessions, want 1", id, runner.ran[id])
		}
	}
	if c.Running() != 0 {
		t.Fatalf("running = %d after completion", c.Running())
	}
}

func TestStopRemoveAndControlRouting(t *testing.T) {
	store, _ := openTestStore(t, nil)
	seed(t, store, 2)
	runner := &blockingRunner{started: make(chan string, 4)}
	c := coordinator.New(coordinator.Config{Store: store, Runner: runner, MaxSlots: 2})
	ctx := context.Background()
	slot, err := c.Spawn(ctx, "")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := c.Pause(slot.ID); !errors.Is(err, coordinator.ErrSlotNotRunning) {
		t.Fatalf("pause stopped slot err = %v", err)
	}
	if err := c.Start(ctx, "agent-9"); !errors.Is(err, coordinator.ErrUnknownSlot) {
		t.Fatalf("start unknown err = %v", err)
	}
	if err := c.Start(ctx, slot.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-runner.started

	if err := c.Remove(ctx, slot.ID); !errors.Is(err, coordinator.ErrSlotRunning) {
		t.Fatalf("remove running err = %v, want ErrSlotRunning", err)
	}
	info, err := c.Slot(slot.ID)
	if err != nil || !info.Running || info.Loop == nil || info.Loop.State != engine.StateRunning {
		t.Fatalf("slot info = %+v, err %v", info, err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Stop(stopCtx, slot.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	info, _ = c.Slot(slot.ID)
	if info.Running || info.LastExit != engine.ExitStopped {
		t.Fatalf("after stop = %+v", info)
	}
	stats, _ := store.Stats(ctx)
	if stats.InProgress != 0 {
		t.Fatalf("in progress after stop = %d, want claim released", stats.InProgress)
	}

	if err := c.Remove(ctx, slot.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(c.Status()) != 0 {
		t.Fatalf("status after remove = %+v", c.Status())
	}
	if _, err := store.GetSlot(ctx, slot.ID); !errors.Is(err, persistence.ErrSlotNotFound) {
		t.Fatalf("slot row after remove err = %v", err)
	}
}

func TestApplyLimitsWakesBlockedSlots(t *testing.T) {
	store, _ := openTestStore(t, nil)
	seed(t, store, 1)
	ctx := context.Background()
	if err := store.AppendUsage(ctx, persistence.UsageRecord{SessionID: "earlier", CostUSD: 2}); err != nil {
		t.Fatalf("append usage: %v", err)
	}
	c := coordinator.New(coordinator.Config{
		Store: store, Runner: newExclusiveRunner(t, 0), MaxSlots: 1,
		Settings: engine.Settings{Limits: persistence.Limits{CostUSD: 1}},
	})
	slot, _ := c.Spawn(ctx, "")
	if err := c.Start(ctx, ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, c, slot.ID, engine.StateBlocked)

	c.ApplyLimits(engine.Settings{})
	done := make(chan struct{})
	go func() { c.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop stayed blocked after limits were lifted")
	}
	info, _ := c.Slot(slot.ID)
	if info.LastExit != engine.ExitCompleted {
		t.Fatalf("exit = %s, want completed", info.LastExit)
	}
}

func TestRestoreResetsLeftoverState(t *testing.T) {
	store, _ := openTestStore(t, nil)
	ids := seed(t, store, 1)
	ctx := context.Background()
	for _, id := range []string{"agent-1", "agent-2"} {
		if _, err := store.CreateSlot(ctx, id, persistence.ModeSolo); err != nil {
			t.Fatalf("create slot: %v", err)
		}
	}
	res, err := store.ClaimNext(ctx, persistence.ClaimRequest{SlotID: "agent-1", Mode: persistence.ModeSolo})
	if err != nil || res.Feature == nil {
		t.Fatalf("claim: %v %+v", err, res)
	}
	if err := store.UpdateSlotState(ctx, "agent-1", persistence.SlotState{
		Status: persistence.SlotStatusRunning, LoopState: "running", FeatureID: ids[0],
	}); err != nil {
		t.Fatalf("update slot: %v", err)
	}

	c := coordinator.New(coordinator.Config{Store: store, Runner: newExclusiveRunner(t, 0), MaxSlots: 4})
	n, err := c.Restore(ctx)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if n != 2 {
		t.Fatalf("restored %d slots, want 2", n)
	}
	f, _ := store.GetFeature(ctx, ids[0])
	if f.Status != persistence.FeatureStatusPending {
		t.Fatalf("feature after restore = %s, want pending", f.Status)
	}
	rec, _ := store.GetSlot(ctx, "agent-1")
	if rec.Status != persistence.SlotStatusStopped {
		t.Fatalf("slot after restore = %s, want stopped", rec.Status)
	}
	next, err := c.Spawn(ctx, "")
	if err != nil {
		t.Fatalf("spawn after restore: %v", err)
	}
	if next.ID != "agent-3" {
		t.Fatalf("next id = %s, want agent-3", next.ID)
	}
}

func TestWaiter_ObservesPassing(t *testing.T) {
	b := bus.New()
	store, _ := openTestStore(t, b)
	ids := seed(t, store, 2)
	ctx := context.Background()
	w := coordinator.NewWaiter(b, store)

	go func() {
		time.Sleep(20 * time.Millisecond)
		for _, id := range ids {
			_ = store.MarkPassing(ctx, id)
		}
	}()
	got, err := w.WaitForAll(ctx, ids, 5*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("results = %d", len(got))
	}

	pending := seed(t, store, 1)
	if _, err := w.WaitForPassing(ctx, pending[0], 50*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("timeout err = %v", err)
	}
}

func waitForState(t *testing.T, c *coordinator.Coordinator, slotID string, want engine.State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if info, err := c.Slot(slotID); err == nil && info.Loop != nil && info.Loop.State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("slot %s never reached %s", slotID, want)
}
