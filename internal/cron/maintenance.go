package cron

import (
	"context"
	"errors"
	"log/slog"

	"github.com/basket/featureloop/internal/persistence"
)

// Maintenance is the periodic housekeeping pass over one project.
type Maintenance struct {
	Store         *persistence.Store
	Logger        *slog.Logger
	RetentionDays int
	// OnComplete runs when every feature is passing. Nil disables the check.
	OnComplete func(ctx context.Context)
	// Prune removes sandboxes left behind by removed slots.
	Prune func(ctx context.Context) error
}

// Job wraps the pass for a Scheduler.
func (m *Maintenance) Job() Job {
	return Job{Name: "maintenance", Run: m.RunOnce}
}

// RunOnce runs every maintenance step, continuing past individual failures.
func (m *Maintenance) RunOnce(ctx context.Context) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var errs []error

	if m.OnComplete != nil {
		stats, err := m.Store.Stats(ctx)
		if err != nil {
			errs = append(errs, err)
		} else if stats.Total > 0 && stats.Passing == stats.Total {
			logger.Info("maintenance: all features passing", "total", stats.Total)
			m.OnComplete(ctx)
		}
	}

	if m.Prune != nil {
		if err := m.Prune(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if m.RetentionDays > 0 {
		res, err := m.Store.RunRetention(ctx, m.RetentionDays)
		if err != nil {
			errs = append(errs, err)
		} else if res.OutputLines > 0 || res.Signals > 0 {
			logger.Info("maintenance: retention purged rows",
				"output_lines", res.OutputLines, "signals", res.Signals)
		}
	}
	return errors.Join(errs...)
}
