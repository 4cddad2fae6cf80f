// Package cron runs named periodic jobs on robfig/cron schedules.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions plus descriptors such as "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Job is one named unit of periodic work.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

type Config struct {
	Logger *slog.Logger
}

// Scheduler fires registered jobs. A job never overlaps with itself.
type Scheduler struct {
	logger *slog.Logger
	c      *cronlib.Cron

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	runs   map[string]int
}

func NewScheduler(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger: logger,
		c: cronlib.New(
			cronlib.WithParser(cronParser),
			cronlib.WithChain(cronlib.SkipIfStillRunning(cronlib.DiscardLogger)),
		),
		ctx:  context.Background(),
		runs: make(map[string]int),
	}
}

// Add registers job on the given schedule.
func (s *Scheduler) Add(spec string, job Job) error {
	if job.Run == nil {
		return fmt.Errorf("cron job %q has no run func", job.Name)
	}
	_, err := s.c.AddFunc(spec, func() { s.fire(job) })
	if err != nil {
		return fmt.Errorf("schedule %q (%s): %w", job.Name, spec, err)
	}
	return nil
}

// Start begins firing jobs until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.c.Start()
	s.logger.Info("cron scheduler started", "jobs", len(s.c.Entries()))
}

// Stop halts the scheduler and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-s.c.Stop().Done()
	s.logger.Info("cron scheduler stopped")
}

// Runs reports how many times the named job has fired.
func (s *Scheduler) Runs(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[name]
}

func (s *Scheduler) fire(job Job) {
	s.mu.Lock()
	ctx := s.ctx
	s.runs[job.Name]++
	s.mu.Unlock()

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		s.logger.Error("cron: job failed", "job", job.Name, "error", err)
		return
	}
	s.logger.Debug("cron: job finished", "job", job.Name, "duration", time.Since(start))
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
