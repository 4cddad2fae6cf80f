package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/basket/featureloop/internal/config"
	"github.com/basket/featureloop/internal/mcp"
	"github.com/basket/featureloop/internal/persistence"
	"github.com/basket/featureloop/internal/session"
	"github.com/basket/featureloop/internal/telemetry"
	"github.com/basket/featureloop/internal/tools"
)

// runMCPCommand serves the worker tool server on stdin/stdout. Stdout carries
// protocol frames only, so every log line goes to stderr.
func runMCPCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: featureloop mcp")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	logger := slog.New(telemetry.NewHandler(os.Stderr, cfg.LogLevel)).With("component", "mcp")

	sess, err := sessionFromEnv()
	if err != nil {
		logger.Error("invalid session environment", "error", err)
		return 2
	}
	project := cfg.ProjectName
	if v := strings.TrimSpace(os.Getenv(session.EnvProject)); v != "" {
		project = v
	}
	dbPath := cfg.DBPath
	if v := strings.TrimSpace(os.Getenv(session.EnvDB)); v != "" {
		dbPath = v
	}

	store, err := persistence.Open(dbPath, project, nil)
	if err != nil {
		logger.Error("open store", "db", dbPath, "error", err)
		return 1
	}
	defer store.Close()
	store.SetMaxAttempts(cfg.MaxAttempts)

	logger.Info("tool server starting", "project", project, "session_id", sess.ID, "slot_id", sess.SlotID, "feature_id", sess.FeatureID)
	srv := mcp.NewServer(tools.NewHandler(store, sess, logger), Version)
	errLog := log.New(os.Stderr, "mcp: ", log.LstdFlags)
	if err := mcp.Serve(ctx, srv, os.Stdin, os.Stdout, errLog); err != nil && ctx.Err() == nil {
		logger.Error("tool server stopped", "error", err)
		return 1
	}
	return 0
}

// sessionFromEnv reads the orchestrated session the runner handed down. All
// fields are empty when the worker runs on its own.
func sessionFromEnv() (tools.Session, error) {
	sess := tools.Session{
		ID:     strings.TrimSpace(os.Getenv(session.EnvSessionID)),
		SlotID: strings.TrimSpace(os.Getenv(session.EnvSlotID)),
	}
	if raw := strings.TrimSpace(os.Getenv(session.EnvFeatureID)); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return tools.Session{}, fmt.Errorf("%s=%q is not a feature id", session.EnvFeatureID, raw)
		}
		sess.FeatureID = id
	}
	// Session tools are scoped to one slot and one feature.
	if sess.ID != "" && (sess.SlotID == "" || sess.FeatureID == 0) {
		return tools.Session{}, fmt.Errorf("%s is set but %s or %s is missing", session.EnvSessionID, session.EnvSlotID, session.EnvFeatureID)
	}
	return sess, nil
}
