package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/featureloop/internal/persistence"
	"github.com/basket/featureloop/internal/shared"
)

func readLines(t *testing.T, home string) []string {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	return strings.Split(strings.TrimSpace(string(raw)), "\n")
}

func TestRecordWritesAuditEntry(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	ctx := shared.WithTraceID(context.Background(), "trace-1")
	Record(ctx, "gateway", "feature.skip", "feature:4", OutcomeOK, "")
	Record(ctx, "gateway", "slot.remove", "slot:agent-2", OutcomeRejected, "slot is running")

	lines := readLines(t, home)
	if len(lines) != 2 {
		t.Fatalf("expected two audit entries, got %d", len(lines))
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first audit entry: %v", err)
	}
	if first["action"] != "feature.skip" || first["outcome"] != "ok" {
		t.Fatalf("unexpected entry %#v", first)
	}
	if first["trace_id"] != "trace-1" {
		t.Fatalf("expected trace id, got %#v", first["trace_id"])
	}
}

func TestRecordRedactsDetail(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record(context.Background(), "gateway", "context.inject", "", OutcomeOK, "use key sk-ant-REDACTED")
	lines := readLines(t, home)
	if strings.Contains(lines[0], "abcdefghijklmnop") {
		t.Fatalf("secret leaked into audit log: %s", lines[0])
	}
}

func TestRecordDeniedCountsAndPersists(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	store, err := persistence.Open(filepath.Join(home, "features.db"), "demo", nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = Close()
		_ = store.Close()
	})
	SetDB(store.DB())

	before := DeniedCount()
	Record(context.Background(), "gateway", "control.stop", "", OutcomeDenied, "bad token")
	if DeniedCount() != before+1 {
		t.Fatalf("denied count = %d, want %d", DeniedCount(), before+1)
	}

	var n int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM audit_log WHERE outcome = 'denied'`).Scan(&n); err != nil {
		t.Fatalf("query audit_log: %v", err)
	}
	if n != 1 {
		t.Fatalf("audit_log rows = %d, want 1", n)
	}
}
