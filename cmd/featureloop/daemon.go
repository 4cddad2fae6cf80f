package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/basket/featureloop/internal/audit"
	"github.com/basket/featureloop/internal/bus"
	"github.com/basket/featureloop/internal/config"
	"github.com/basket/featureloop/internal/coordinator"
	"github.com/basket/featureloop/internal/cron"
	"github.com/basket/featureloop/internal/engine"
	"github.com/basket/featureloop/internal/gateway"
	"github.com/basket/featureloop/internal/notify"
	otelPkg "github.com/basket/featureloop/internal/otel"
	"github.com/basket/featureloop/internal/persistence"
	"github.com/basket/featureloop/internal/session"
	"github.com/basket/featureloop/internal/telemetry"
	"github.com/basket/featureloop/internal/worktree"
)

func settingsFrom(cfg config.Config) engine.Settings {
	return engine.Settings{
		SessionDelay: cfg.SessionDelay,
		Limits:       limitsFrom(cfg),
	}
}

func limitsFrom(cfg config.Config) persistence.Limits {
	return persistence.Limits{CostUSD: cfg.CostCeilingUSD, Tokens: cfg.TokenCeiling}
}

func runDaemon(ctx context.Context, quietLogs bool) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit only needs the home dir, so it comes up before the logger.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "project", cfg.ProjectName, "project_dir", cfg.ProjectDir)

	if cfg.NeedsInit {
		path, err := writeMinimalConfig(cfg.HomeDir, cfg.ProjectDir, false)
		if err != nil && !errors.Is(err, os.ErrExist) {
			fatalStartup(logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("config.yaml written with defaults", "path", path)
		if cfg, err = config.Load(); err != nil {
			fatalStartup(logger, "E_CONFIG_RELOAD", err)
		}
	}
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && cfg.AuthToken == "" {
			logger.Warn("auth_token is empty on non-loopback bind; only loopback clients will be accepted", "bind_addr", cfg.BindAddr)
		}
	}

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.OTel.Enabled,
		Exporter:    cfg.OTel.Exporter,
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: cfg.OTel.ServiceName,
		SampleRate:  cfg.OTel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		logger.Warn("metric instruments unavailable", "error", err)
		metrics = otelPkg.NopMetrics()
	}

	store, err := persistence.Open(cfg.DBPath, cfg.ProjectName, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	store.SetMaxAttempts(cfg.MaxAttempts)
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	var sandboxes coordinator.Sandboxes
	var alloc *worktree.Allocator
	if _, err := worktree.FindGitRoot(cfg.ProjectDir); err == nil {
		alloc, err = worktree.New(worktree.Config{
			RepoDir:      cfg.ProjectDir,
			BaseDir:      cfg.Worktree.BaseDir,
			BranchPrefix: cfg.Worktree.BranchPrefix,
			TargetBranch: cfg.Worktree.TargetBranch,
			Logger:       logger,
		})
		if err != nil {
			fatalStartup(logger, "E_WORKTREE_INIT", err)
		}
		sandboxes = alloc
	} else if cfg.DefaultSlotMode == config.ModeWorktree {
		fatalStartup(logger, "E_WORKTREE_INIT", fmt.Errorf("%s mode needs a git repository: %w", config.ModeWorktree, err))
	} else {
		logger.Warn("project dir is not a git repository; isolated-worktree slots are unavailable", "project_dir", cfg.ProjectDir)
	}

	runner := session.New(session.Config{
		Command:   cfg.Worker.Command,
		Args:      cfg.Worker.Args,
		Env:       cfg.Worker.Env,
		Model:     cfg.Worker.Model,
		DBPath:    cfg.DBPath,
		Project:   cfg.ProjectName,
		StopGrace: cfg.StopGrace,
		Signals:   store,
		Sink:      session.StoreSink{Store: store, Bus: eventBus},
		Metrics:   metrics,
		Tracer:    otelProvider.Tracer,
		Logger:    logger,
	})

	coord := coordinator.New(coordinator.Config{
		Store:       store,
		Runner:      runner,
		Sandboxes:   sandboxes,
		WorkDir:     cfg.ProjectDir,
		Bus:         eventBus,
		MaxSlots:    cfg.MaxParallelSlots,
		DefaultMode: cfg.DefaultSlotMode,
		Settings:    settingsFrom(cfg),
		AutoStop:    cfg.AutoStop(),
		Metrics:     metrics,
		Tracer:      otelProvider.Tracer,
		Logger:      logger,
	})
	restored, err := coord.Restore(ctx)
	if err != nil {
		fatalStartup(logger, "E_SLOT_RESTORE", err)
	}
	if restored == 0 {
		// Solo means one agent owning the tree; the other modes fill the pool.
		want := cfg.MaxParallelSlots
		if cfg.DefaultSlotMode == config.ModeSolo {
			want = 1
		}
		for i := 0; i < want; i++ {
			if _, err := coord.Spawn(ctx, cfg.DefaultSlotMode); err != nil {
				fatalStartup(logger, "E_SLOT_SPAWN", err)
			}
		}
	}
	logger.Info("startup phase", "phase", "slots_restored", "slots", len(coord.SlotIDs()))

	rateLimiter := gateway.NewRateLimitMiddleware(cfg.RateLimitPerMinute, 0)
	gw := gateway.New(gateway.Config{
		Store:             store,
		Coordinator:       coord,
		Waiter:            coordinator.NewWaiter(eventBus, store),
		Bus:               eventBus,
		AuthToken:         cfg.AuthToken,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		Version:           Version,
		Limits:            limitsFrom(cfg),
		ControlLimiter:    rateLimiter,
		Tracer:            otelProvider.Tracer,
		Logger:            logger,
	})
	server := &http.Server{
		Addr: cfg.BindAddr,
		Handler: gateway.Chain(gw.Handler(),
			gateway.NewCORSMiddleware(cfg.AllowOrigins),
			gateway.RequestSizeLimitMiddleware(0),
			rateLimiter.Wrap,
		),
		ReadHeaderTimeout: 10 * time.Second,
	}
	rateLimiter.StartEviction(ctx, time.Minute, 10*time.Minute)

	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			hint := portOccupantHint(cfg.BindAddr)
			fatalStartup(logger, "E_GATEWAY_BIND", fmt.Errorf("%w\n\n  %s", err, hint))
		}
		fatalStartup(logger, "E_GATEWAY_BIND", err)
	}
	logger.Info("startup phase", "phase", "gateway_bound", "addr", cfg.BindAddr)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	var sinks []notify.Sink
	if cfg.Notify.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhook(cfg.Notify.WebhookURL, nil))
	}
	if cfg.Notify.Telegram.Token != "" {
		tg, err := notify.NewTelegram(notify.TelegramOptions{
			Token:    cfg.Notify.Telegram.Token,
			ChatID:   cfg.Notify.Telegram.ChatID,
			Control:  coord,
			Progress: store,
			Logger:   logger,
		})
		if err != nil {
			logger.Warn("telegram notifications disabled", "error", err)
		} else {
			sinks = append(sinks, tg)
			go func() {
				if err := tg.Start(ctx); err != nil && ctx.Err() == nil {
					logger.Error("telegram command listener failed", "error", err)
				}
			}()
		}
	}
	if len(sinks) > 0 {
		dispatcher := notify.NewDispatcher(eventBus, cfg.ProjectName, cfg.Notify.Kinds, logger, sinks...)
		go dispatcher.Run(ctx)
	}

	maintenance := &cron.Maintenance{
		Store:         store,
		Logger:        logger,
		RetentionDays: cfg.RetentionDays,
	}
	if cfg.AutoStop() {
		maintenance.OnComplete = func(ctx context.Context) {
			if coord.Running() == 0 {
				return
			}
			if err := coord.StopAll(ctx); err != nil {
				logger.Warn("auto-stop on completion failed", "error", err)
			}
		}
	}
	if alloc != nil {
		maintenance.Prune = func(ctx context.Context) error {
			removed, err := alloc.Prune(ctx, coord.SlotIDs())
			if len(removed) > 0 {
				logger.Info("maintenance: pruned orphaned worktrees", "slots", removed)
			}
			return err
		}
	}
	cronSched := cron.NewScheduler(cron.Config{Logger: logger})
	if err := cronSched.Add(cfg.MaintenanceSchedule, maintenance.Job()); err != nil {
		fatalStartup(logger, "E_CRON_SCHEDULE", err)
	}
	cronSched.Start(ctx)
	defer cronSched.Stop()

	confWatcher := config.NewWatcher(&cfg, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for r := range confWatcher.Reloads() {
			if r.Err != nil {
				audit.Record(ctx, "config", "config.reload", config.ConfigPath(cfg.HomeDir), audit.OutcomeRejected, r.Err.Error())
				continue
			}
			next := r.Config
			store.SetMaxAttempts(next.MaxAttempts)
			coord.ApplyLimits(settingsFrom(*next))
			gw.SetLimits(limitsFrom(*next), next.Fingerprint())
			audit.Record(ctx, "config", "config.reload", config.ConfigPath(cfg.HomeDir), audit.OutcomeOK, next.Fingerprint())
		}
	}()

	for _, id := range coord.SlotIDs() {
		if err := coord.Start(ctx, id); err != nil {
			logger.Warn("slot did not start", "slot_id", id, "error", err)
		}
	}
	logger.Info("startup phase", "phase", "loops_started", "running", coord.Running())

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first, then let running sessions wind down through the
	// Stop escalation, then close the store via defers.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.StopGrace+10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	if err := coord.StopAll(shutdownCtx); err != nil {
		logger.Warn("slots did not stop cleanly", "error", err)
	}
	coord.Wait()
	logger.Info("shutdown complete")
}
