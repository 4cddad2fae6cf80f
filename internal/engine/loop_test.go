package engine_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/featureloop/internal/bus"
	"github.com/basket/featureloop/internal/engine"
	"github.com/basket/featureloop/internal/persistence"
	"github.com/basket/featureloop/internal/session"
	"github.com/basket/featureloop/internal/worktree"
)

// waitFor polls check at short intervals until it returns true or the deadline elapses.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func openTestStore(t *testing.T, b *bus.Bus) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "features.db"), "demo", b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seed(t *testing.T, store *persistence.Store, names ...string) []int64 {
	t.Helper()
	specs := make([]persistence.FeatureSpec, len(names))
	for i, n := range names {
		specs[i] = persistence.FeatureSpec{Name: n, Steps: []string{"verify " + n}}
	}
	ids, err := store.CreateFeatures(context.Background(), specs)
	if err != nil {
		t.Fatalf("create features: %v", err)
	}
	return ids
}

func mustSlot(t *testing.T, store *persistence.Store, id, mode string) {
	t.Helper()
	if _, err := store.CreateSlot(context.Background(), id, mode); err != nil {
		t.Fatalf("create slot: %v", err)
	}
}

func feature(t *testing.T, store *persistence.Store, id int64) *persistence.Feature {
	t.Helper()
	f, err := store.GetFeature(context.Background(), id)
	if err != nil {
		t.Fatalf("get feature %d: %v", id, err)
	}
	return f
}

// scriptRunner returns results from a script indexed by call number.
type scriptRunner struct {
	mu     sync.Mutex
	calls  []session.Request
	script func(n int, req session.Request) (session.Result, error)
}

func (r *scriptRunner) Run(_ context.Context, req session.Request) (session.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, req)
	n := len(r.calls)
	r.mu.Unlock()
	return r.script(n, req)
}

func (r *scriptRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func outcome(o session.Outcome) session.Result { return session.Result{Outcome: o} }


func start(loop *engine.Loop) <-chan engine.ExitReason {
	done := make(chan engine.ExitReason, 1)
	go func() { done <- loop.Run(context.Background()) }()
	return done
}

func wait(t *testing.T, done <-chan engine.ExitReason) engine.ExitReason {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("loop did not exit")
		return ""
	}
}

func TestScenarioA_RetriesUntilPassing(t *testing.T) {
	store := openTestStore(t, nil)
	ids := seed(t, store, "A", "B", "C")
	mustSlot(t, store, "agent-1", persistence.ModeSolo)

	var loop *engine.Loop
	runner := &scriptRunner{script: func(n int, req session.Request) (session.Result, error) {
		if req.Feature.ID != ids[0] {
			t.Errorf("session %d ran feature %d, want A", n, req.Feature.ID)
		}
		if n < 3 {
			return outcome(session.OutcomeNoSignal), nil
		}
		loop.Stop()
		return outcome(session.OutcomePassed), nil
	}}
	loop = engine.New(engine.Config{SlotID: "agent-1", Store: store, Runner: runner})

	if got := wait(t, start(loop)); got != engine.ExitStopped {
		t.Fatalf("exit = %s, want stopped", got)
	}
	a := feature(t, store, ids[0])
	if a.Status != persistence.FeatureStatusPassing || a.Attempts != 3 {
		t.Fatalf("A = %s attempts %d, want passing/3", a.Status, a.Attempts)
	}
	for _, id := range ids[1:] {
		f := feature(t, store, id)
		if f.Status != persistence.FeatureStatusPending || f.Attempts != 0 {
			t.Fatalf("feature %d = %s attempts %d, want untouched", id, f.Status, f.Attempts)
		}
	}
	if runner.count() != 3 {
		t.Fatalf("sessions = %d, want 3", runner.count())
	}
}

func TestScenarioC_UsageCeilingBlocksBeforeNextSession(t *testing.T) {
	store := openTestStore(t, nil)
	seed(t, store, "A", "B")
	mustSlot(t, store, "agent-1", persistence.ModeSolo)

	runner := &scriptRunner{script: func(int, session.Request) (session.Result, error) {
		return session.Result{Outcome: session.OutcomePassed, Usage: session.Usage{Reported: true, CostUSD: 1.05}}, nil
	}}
	loop := engine.New(engine.Config{
		SlotID: "agent-1", Store: store, Runner: runner,
		Settings: engine.Settings{Limits: persistence.Limits{CostUSD: 1.00}},
	})
	done := start(loop)
	waitFor(t, 5*time.Second, func() bool { return loop.State() == engine.StateBlocked })

	if runner.count() != 1 {
		t.Fatalf("sessions = %d, want exactly 1 before blocking", runner.count())
	}
	if snap := loop.Snapshot(); snap.BlockReason != engine.BlockUsageLimit {
		t.Fatalf("block reason = %q", snap.BlockReason)
	}
	waitFor(t, 5*time.Second, func() bool {
		slot, err := store.GetSlot(context.Background(), "agent-1")
		return err == nil && slot.LoopState == string(engine.StateBlocked)
	})

	// Raising the ceiling and waking resumes work.
	loop.Apply(engine.Settings{Limits: persistence.Limits{CostUSD: 5.00}})
	waitFor(t, 5*time.Second, func() bool { return runner.count() == 2 })
	loop.Stop()
	wait(t, done)
}

type conflictAllocator struct {
	mu       sync.Mutex
	acquired int
	merges   int
	conflict bool
	acquire  error
}

func (a *conflictAllocator) Acquire(_ context.Context, slotID string) (worktree.Sandbox, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.acquire != nil {
		return worktree.Sandbox{}, a.acquire
	}
	a.acquired++
	return worktree.Sandbox{SlotID: slotID, Path: "/tmp/demo-" + slotID, Branch: "featureloop/" + slotID}, nil
}

func (a *conflictAllocator) Sync(context.Context, string) error { return nil }

func (a *conflictAllocator) MergeBack(context.Context, string, string) (worktree.MergeResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.merges++
	if a.conflict {
		return worktree.MergeResult{Conflict: true, Files: []string{"app.go"}, Diagnostic: "CONFLICT (content): Merge conflict in app.go"}, nil
	}
	return worktree.MergeResult{Merged: true}, nil
}

func TestScenarioD_MergeConflictKeepsFeaturePending(t *testing.T) {
	b := bus.New()
	store := openTestStore(t, b)
	ids := seed(t, store, "A")
	mustSlot(t, store, "agent-1", persistence.ModeWorktree)
	statusSub := b.SubscribeBuffered(bus.Topic("demo", bus.KindAgentStatus), 1000)
	defer b.Unsubscribe(statusSub)

	alloc := &conflictAllocator{conflict: true}
	var loop *engine.Loop
	var second *persistence.Feature
	runner := &scriptRunner{script: func(n int, req session.Request) (session.Result, error) {
		if req.WorkDir != "/tmp/demo-agent-1" {
			t.Errorf("session ran in %q, want sandbox", req.WorkDir)
		}
		if n == 1 {
			return outcome(session.OutcomePassed), nil
		}
		f, _ := store.GetFeature(context.Background(), ids[0])
		second = f
		loop.Stop()
		return outcome(session.OutcomeTimedOutSoftly), nil
	}}
	loop = engine.New(engine.Config{
		SlotID: "agent-1", Mode: persistence.ModeWorktree,
		Store: store, Runner: runner, Allocator: alloc,
	})
	wait(t, start(loop))

	if second == nil {
		t.Fatal("slot did not return to selecting after the conflict")
	}
	if second.ConflictDiagnostic == "" {
		t.Fatal("conflict diagnostic not recorded")
	}
	// One attempt per session: the conflict itself charged nothing extra.
	if second.Attempts != 2 {
		t.Fatalf("attempts at second session = %d, want 2", second.Attempts)
	}
	f := feature(t, store, ids[0])
	if f.Status != persistence.FeatureStatusPending {
		t.Fatalf("status = %s, want pending", f.Status)
	}
	events, err := store.ListFeatureEvents(context.Background(), ids[0])
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var sawConflict bool
	for _, ev := range events {
		if ev.To == string(persistence.FeatureStatusPassing) {
			t.Fatal("feature must never reach passing")
		}
		if ev.Reason == persistence.ReasonConflict {
			sawConflict = true
		}
	}
	if !sawConflict {
		t.Fatalf("no merge_conflict transition in %+v", events)
	}

	var states []string
drain:
	for {
		select {
		case ev := <-statusSub.Ch():
			st := ev.Payload.(bus.AgentStatusEvent)
			if st.Status == string(persistence.SlotStatusCrashed) {
				t.Fatal("conflict must not crash the slot")
			}
			states = append(states, st.LoopState)
		default:
			break drain
		}
	}
	if !containsSeq(states, "interpreting", "cooldown", "selecting") {
		t.Fatalf("expected interpreting -> cooldown -> selecting, got %v", states)
	}
}

func containsSeq(have []string, want ...string) bool {
	for i := 0; i+len(want) <= len(have); i++ {
		match := true
		for j, w := range want {
			if have[i+j] != w {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func TestWorktreeMode_CleanMergeCompletes(t *testing.T) {
	store := openTestStore(t, nil)
	ids := seed(t, store, "A")
	mustSlot(t, store, "agent-1", persistence.ModeWorktree)
	alloc := &conflictAllocator{}
	runner := &scriptRunner{script: func(int, session.Request) (session.Result, error) {
		return outcome(session.OutcomePassed), nil
	}}
	loop := engine.New(engine.Config{SlotID: "agent-1", Mode: persistence.ModeWorktree, Store: store, Runner: runner, Allocator: alloc})
	if got := wait(t, start(loop)); got != engine.ExitCompleted {
		t.Fatalf("exit = %s, want completed", got)
	}
	if f := feature(t, store, ids[0]); f.Status != persistence.FeatureStatusPassing {
		t.Fatalf("status = %s", f.Status)
	}
	if alloc.merges != 1 {
		t.Fatalf("merges = %d", alloc.merges)
	}
}

func TestAllocatorFailureCrashesSlotAndReleasesClaim(t *testing.T) {
	store := openTestStore(t, nil)
	ids := seed(t, store, "A")
	mustSlot(t, store, "agent-1", persistence.ModeWorktree)
	alloc := &conflictAllocator{acquire: errors.New("disk full")}
	runner := &scriptRunner{script: func(int, session.Request) (session.Result, error) {
		t.Error("runner must not be called")
		return outcome(session.OutcomeNoSignal), nil
	}}
	loop := engine.New(engine.Config{SlotID: "agent-1", Mode: persistence.ModeWorktree, Store: store, Runner: runner, Allocator: alloc})
	if got := wait(t, start(loop)); got != engine.ExitCrashed {
		t.Fatalf("exit = %s, want crashed", got)
	}
	f := feature(t, store, ids[0])
	if f.Status != persistence.FeatureStatusPending || f.Attempts != 0 {
		t.Fatalf("feature = %s attempts %d, want pending/0", f.Status, f.Attempts)
	}
	slot, _ := store.GetSlot(context.Background(), "agent-1")
	if slot.Status != persistence.SlotStatusCrashed {
		t.Fatalf("slot status = %s", slot.Status)
	}
}

func TestRunnerFailureCrashesSlot(t *testing.T) {
	store := openTestStore(t, nil)
	ids := seed(t, store, "A")
	mustSlot(t, store, "agent-1", persistence.ModeSolo)
	runner := &scriptRunner{script: func(int, session.Request) (session.Result, error) {
		return outcome(session.OutcomeCrashed), errors.New("exec: worker not found")
	}}
	loop := engine.New(engine.Config{SlotID: "agent-1", Store: store, Runner: runner})
	if got := wait(t, start(loop)); got != engine.ExitCrashed {
		t.Fatalf("exit = %s, want crashed", got)
	}
	if f := feature(t, store, ids[0]); f.Status != persistence.FeatureStatusPending {
		t.Fatalf("status = %s, want pending", f.Status)
	}
}

func TestStopDuringSessionReleasesClaim(t *testing.T) {
	store := openTestStore(t, nil)
	ids := seed(t, store, "A")
	mustSlot(t, store, "agent-1", persistence.ModeSolo)
	started := make(chan struct{})
	runner := &scriptRunner{script: func(_ int, req session.Request) (session.Result, error) {
		close(started)
		<-req.Stop
		return outcome(session.OutcomeTimedOutSoftly), nil
	}}
	loop := engine.New(engine.Config{SlotID: "agent-1", Store: store, Runner: runner})
	done := start(loop)
	<-started
	loop.Stop()
	if got := wait(t, done); got != engine.ExitStopped {
		t.Fatalf("exit = %s, want stopped", got)
	}
	f := feature(t, store, ids[0])
	if f.Status != persistence.FeatureStatusPending || f.Attempts != 1 {
		t.Fatalf("feature = %s attempts %d, want pending/1", f.Status, f.Attempts)
	}
}

func TestPauseHoldsBeforeSelectingUntilResume(t *testing.T) {
	store := openTestStore(t, nil)
	seed(t, store, "A")
	mustSlot(t, store, "agent-1", persistence.ModeSolo)
	runner := &scriptRunner{script: func(int, session.Request) (session.Result, error) {
		return outcome(session.OutcomePassed), nil
	}}
	loop := engine.New(engine.Config{SlotID: "agent-1", Store: store, Runner: runner})
	loop.Pause()
	done := start(loop)

	waitFor(t, 5*time.Second, func() bool { return loop.State() == engine.StatePaused })
	time.Sleep(50 * time.Millisecond)
	if runner.count() != 0 {
		t.Fatal("paused loop ran a session")
	}
	waitFor(t, 5*time.Second, func() bool {
		slot, err := store.GetSlot(context.Background(), "agent-1")
		return err == nil && slot.Status == persistence.SlotStatusPaused
	})

	loop.Resume()
	if got := wait(t, done); got != engine.ExitCompleted {
		t.Fatalf("exit = %s, want completed", got)
	}
}

func TestStuckBlocksUntilClearedAndWoken(t *testing.T) {
	store := openTestStore(t, nil)
	ids := seed(t, store, "A")
	mustSlot(t, store, "agent-1", persistence.ModeSolo)
	for i := 0; i < store.MaxAttempts(); i++ {
		if _, err := store.RecordAttempt(context.Background(), ids[0]); err != nil {
			t.Fatalf("record attempt: %v", err)
		}
	}
	runner := &scriptRunner{script: func(int, session.Request) (session.Result, error) {
		return outcome(session.OutcomePassed), nil
	}}
	loop := engine.New(engine.Config{SlotID: "agent-1", Store: store, Runner: runner})
	done := start(loop)

	waitFor(t, 5*time.Second, func() bool { return loop.State() == engine.StateBlocked })
	if loop.Snapshot().BlockReason != engine.BlockStuck {
		t.Fatalf("block reason = %q", loop.Snapshot().BlockReason)
	}
	if err := store.ClearStuck(context.Background(), ids[0]); err != nil {
		t.Fatalf("clear stuck: %v", err)
	}
	loop.Wake()
	if got := wait(t, done); got != engine.ExitCompleted {
		t.Fatalf("exit = %s, want completed", got)
	}
}

func TestOperatorContextReadEachSession(t *testing.T) {
	store := openTestStore(t, nil)
	seed(t, store, "A", "B")
	mustSlot(t, store, "agent-1", persistence.ModeSolo)
	ctx := context.Background()
	if err := store.SetOperatorContext(ctx, "first hint"); err != nil {
		t.Fatalf("set context: %v", err)
	}
	var seen []string
	runner := &scriptRunner{script: func(n int, req session.Request) (session.Result, error) {
		seen = append(seen, req.OperatorContext)
		if n == 1 {
			_ = store.SetOperatorContext(ctx, "second hint")
		}
		return outcome(session.OutcomePassed), nil
	}}
	loop := engine.New(engine.Config{SlotID: "agent-1", Store: store, Runner: runner})
	wait(t, start(loop))
	if len(seen) != 2 || seen[0] != "first hint" || seen[1] != "second hint" {
		t.Fatalf("operator context per session = %v", seen)
	}
}

func TestUsageAppendedPerSession(t *testing.T) {
	store := openTestStore(t, nil)
	seed(t, store, "A")
	mustSlot(t, store, "agent-1", persistence.ModeSolo)
	runner := &scriptRunner{script: func(int, session.Request) (session.Result, error) {
		return session.Result{Outcome: session.OutcomePassed, Usage: session.Usage{
			Reported: true, Model: "claude-sonnet-4", TokensIn: 100, TokensOut: 40, CostUSD: 0.25,
		}}, nil
	}}
	loop := engine.New(engine.Config{SlotID: "agent-1", Store: store, Runner: runner})
	wait(t, start(loop))

	totals, err := store.Cumulative(context.Background())
	if err != nil {
		t.Fatalf("cumulative: %v", err)
	}
	if totals.Sessions != 1 || totals.Tokens() != 140 || totals.CostUSD != 0.25 {
		t.Fatalf("totals = %+v", totals)
	}
	snap := loop.Snapshot()
	sess, err := store.GetSession(context.Background(), snap.LastSession)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Outcome != string(session.OutcomePassed) {
		t.Fatalf("session outcome = %q", sess.Outcome)
	}
}
