package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/featureloop/internal/config"
)

func startWatcher(t *testing.T, body string) (string, *config.Watcher) {
	t.Helper()
	homeDir := t.TempDir()
	t.Setenv("FEATURELOOP_HOME", homeDir)
	cfgPath := config.ConfigPath(homeDir)
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write initial config: %v", err)
	}
	cfg, err := config.LoadFrom(homeDir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	w := config.NewWatcher(&cfg, nil)
	w.SetDebounce(20 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	return cfgPath, w
}

func nextReload(t *testing.T, w *config.Watcher, rewrite func()) config.Reload {
	t.Helper()
	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case r := <-w.Reloads():
			return r
		case <-tick.C:
			rewrite()
		case <-deadline:
			t.Fatal("timed out waiting for a reload")
		}
	}
}

func TestWatcher_ReloadsChangedLimits(t *testing.T) {
	cfgPath, w := startWatcher(t, "max_attempts: 3\n")

	// Unrelated files in the home directory are ignored.
	_ = os.WriteFile(filepath.Join(filepath.Dir(cfgPath), "features.db-wal"), []byte("x"), 0o644)
	write := func() { _ = os.WriteFile(cfgPath, []byte("max_attempts: 5\ncost_ceiling_usd: 2.5\n"), 0o644) }
	write()

	r := nextReload(t, w, write)
	if r.Err != nil {
		t.Fatalf("reload error: %v", r.Err)
	}
	if r.Config.MaxAttempts != 5 || r.Config.CostCeilingUSD != 2.5 {
		t.Fatalf("reloaded config = attempts %d cost %v", r.Config.MaxAttempts, r.Config.CostCeilingUSD)
	}
}

func TestWatcher_ReportsInvalidFile(t *testing.T) {
	cfgPath, w := startWatcher(t, "max_attempts: 3\n")
	write := func() { _ = os.WriteFile(cfgPath, []byte("default_slot_mode: swarm\n"), 0o644) }
	write()

	r := nextReload(t, w, write)
	if r.Err == nil || r.Config != nil {
		t.Fatalf("expected a rejected reload, got %+v", r)
	}
}

func TestWatcher_IgnoresRewriteWithoutChange(t *testing.T) {
	cfgPath, w := startWatcher(t, "max_attempts: 3\n")
	// Same effective settings, different formatting.
	_ = os.WriteFile(cfgPath, []byte("# tuned\nmax_attempts: 3\n"), 0o644)

	select {
	case r := <-w.Reloads():
		t.Fatalf("unexpected reload %+v", r)
	case <-time.After(300 * time.Millisecond):
	}
}
