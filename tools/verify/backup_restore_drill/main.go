package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/featureloop/internal/persistence"
)

const featureCount = 40

func main() {
	ctx := context.Background()
	baseDir, err := os.MkdirTemp("", "featureloop-backup-drill-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(baseDir)

	dbPath := filepath.Join(baseDir, "features.db")
	backupPath := filepath.Join(baseDir, "backup", "features.db")

	store, err := persistence.Open(dbPath, "backup-drill", nil)
	if err != nil {
		fmt.Printf("open_store_error=%v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	specs := make([]persistence.FeatureSpec, featureCount)
	for i := range specs {
		specs[i] = persistence.FeatureSpec{
			Category:    "drill",
			Name:        fmt.Sprintf("feature-%02d", i),
			Description: "backup drill feature",
			Steps:       []string{"verify"},
		}
	}
	if _, err := store.CreateFeatures(ctx, specs); err != nil {
		fmt.Printf("create_features_error=%v\n", err)
		os.Exit(1)
	}
	// Drive half the queue through claim and completion so the backup
	// carries claims, attempts and transition history.
	for i := 0; i < featureCount/2; i++ {
		res, err := store.ClaimNext(ctx, persistence.ClaimRequest{SlotID: "agent-1", Mode: persistence.ModeSolo})
		if err != nil || res.Feature == nil {
			fmt.Printf("claim_error=%v empty=%v\n", err, res.Feature == nil)
			os.Exit(1)
		}
		if err := store.Complete(ctx, res.Feature.ID, "agent-1"); err != nil {
			fmt.Printf("complete_error=%v\n", err)
			os.Exit(1)
		}
	}
	want, err := store.Stats(ctx)
	if err != nil {
		fmt.Printf("stats_error=%v\n", err)
		os.Exit(1)
	}

	backupStart := time.Now().UTC()
	if err := store.Backup(ctx, backupPath); err != nil {
		fmt.Printf("backup_error=%v\n", err)
		os.Exit(1)
	}
	backupEnd := time.Now().UTC()

	restoreStart := time.Now().UTC()
	restored, err := persistence.Open(backupPath, "backup-drill", nil)
	if err != nil {
		fmt.Printf("open_restore_error=%v\n", err)
		os.Exit(1)
	}
	defer restored.Close()
	restoreEnd := time.Now().UTC()

	got, err := restored.Stats(ctx)
	if err != nil {
		fmt.Printf("restored_stats_error=%v\n", err)
		os.Exit(1)
	}
	var eventCount int
	if err := restored.DB().QueryRowContext(ctx, `SELECT COUNT(1) FROM feature_events;`).Scan(&eventCount); err != nil {
		fmt.Printf("count_events_error=%v\n", err)
		os.Exit(1)
	}

	fmt.Printf("backup_started=%s\n", backupStart.Format(time.RFC3339Nano))
	fmt.Printf("backup_completed=%s\n", backupEnd.Format(time.RFC3339Nano))
	fmt.Printf("restore_started=%s\n", restoreStart.Format(time.RFC3339Nano))
	fmt.Printf("restore_completed=%s\n", restoreEnd.Format(time.RFC3339Nano))
	fmt.Printf("rpo_duration=%s\n", backupEnd.Sub(backupStart))
	fmt.Printf("rto_duration=%s\n", restoreEnd.Sub(restoreStart))
	fmt.Printf("restored_features=%d restored_passing=%d\n", got.Total, got.Passing)
	fmt.Printf("restored_feature_events=%d\n", eventCount)

	if got.Total != want.Total || got.Passing != want.Passing || eventCount == 0 {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
