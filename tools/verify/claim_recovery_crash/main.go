package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/featureloop/internal/persistence"
)

const (
	project = "claim-drill"
	slotID  = "agent-1"
)

func main() {
	mode := flag.String("mode", "", "prepare|claim-sleep|recover")
	dbPath := flag.String("db", "", "path to sqlite db")
	flag.Parse()

	if *mode == "" || *dbPath == "" {
		fmt.Fprintln(os.Stderr, "mode and db are required")
		os.Exit(2)
	}

	ctx := context.Background()
	store, err := persistence.Open(*dbPath, project, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	switch *mode {
	case "prepare":
		ids, err := store.CreateFeatures(ctx, []persistence.FeatureSpec{
			{Category: "drill", Name: "claim-crash", Description: "claimed then abandoned", Steps: []string{"kill the claimer"}},
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "create feature: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("PREPARED_FEATURE_ID=%d\n", ids[0])
	case "claim-sleep":
		res, err := store.ClaimNext(ctx, persistence.ClaimRequest{SlotID: slotID, Mode: persistence.ModeSolo})
		if err != nil {
			fmt.Fprintf(os.Stderr, "claim feature: %v\n", err)
			os.Exit(1)
		}
		if res.Feature == nil {
			fmt.Fprintf(os.Stderr, "no claimable feature (%s)\n", res.Reason)
			os.Exit(1)
		}
		fmt.Printf("CLAIMED_FEATURE_ID=%d\n", res.Feature.ID)
		fmt.Printf("SLOT_ID=%s\n", slotID)
		for {
			time.Sleep(1 * time.Second)
		}
	case "recover":
		recovered, err := store.RecoverClaims(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "recover claims: %v\n", err)
			os.Exit(1)
		}
		features, err := store.ListFeatures(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list features: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("RECOVERED=%d\n", recovered)
		pass := true
		for _, f := range features {
			fmt.Printf("FEATURE_STATUS id=%d status=%s attempts=%d\n", f.ID, f.Status, f.Attempts)
			if f.Status == persistence.FeatureStatusInProgress {
				pass = false
			}
		}
		if pass {
			fmt.Println("VERDICT PASS")
		} else {
			fmt.Println("VERDICT FAIL: features still in_progress after recovery")
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}
