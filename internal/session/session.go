// Package session runs one worker process against one claimed feature and
// classifies how it ended.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/featureloop/internal/otel"
	"github.com/basket/featureloop/internal/persistence"
	"github.com/basket/featureloop/internal/shared"
)

// Outcome classifies a finished session.
type Outcome string

const (
	OutcomePassed         Outcome = "passed"
	OutcomeNoSignal       Outcome = "no_signal"
	OutcomeCrashed        Outcome = "crashed"
	OutcomeTimedOutSoftly Outcome = "timed_out_softly"
)

// Environment handed to the worker so its tool server can reach the store.
const (
	EnvDB        = "FEATURELOOP_DB"
	EnvProject   = "FEATURELOOP_PROJECT"
	EnvSessionID = "FEATURELOOP_SESSION_ID"
	EnvSlotID    = "FEATURELOOP_SLOT_ID"
	EnvFeatureID = "FEATURELOOP_FEATURE_ID"
)

// SignalChecker reports whether the worker recorded a pass for the session.
type SignalChecker interface {
	HasSignal(ctx context.Context, sessionID string, featureID int64, signal string) (bool, error)
}

type Request struct {
	SlotID          string
	SessionID       string
	Feature         persistence.Feature
	WorkDir         string
	OperatorContext string
	// Stop begins the termination escalation when closed.
	Stop <-chan struct{}
}

type Result struct {
	SessionID string
	Outcome   Outcome
	ExitCode  int
	Usage     Usage
	Duration  time.Duration
}

type Config struct {
	Command   string
	Args      []string
	Env       map[string]string
	Model     string
	DBPath    string
	Project   string
	StopGrace time.Duration
	Signals   SignalChecker
	Sink      OutputSink
	Metrics   *otel.Metrics
	Tracer    trace.Tracer
	Logger    *slog.Logger
}

// Runner spawns worker processes. It is safe for concurrent use by many slots.
type Runner struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

func New(cfg Config) *Runner {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 30 * time.Second
	}
	if cfg.Sink == nil {
		cfg.Sink = DiscardSink{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = otel.NopMetrics()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	return &Runner{cfg: cfg, logger: logger.With("component", "session"), tracer: tracer}
}

// Run executes one session to completion. There is no wall-clock limit; the
// process ends on its own or through the Stop escalation. An error is
// returned only when the process could not be started.
func (r *Runner) Run(ctx context.Context, req Request) (Result, error) {
	if req.SessionID == "" {
		req.SessionID = shared.NewSessionID()
	}
	ctx = shared.WithSessionID(shared.WithFeatureID(shared.WithSlotID(ctx, req.SlotID), req.Feature.ID), req.SessionID)
	logger := shared.Logger(ctx, r.logger)

	ctx, span := otel.StartClientSpan(ctx, r.tracer, "session.run",
		otel.AttrSlotID.String(req.SlotID),
		otel.AttrFeatureID.Int64(req.Feature.ID),
		otel.AttrSessionID.String(req.SessionID),
	)
	defer span.End()

	res := Result{SessionID: req.SessionID, ExitCode: -1}

	// procCtx is cancelled only by the escalation; cmd.Cancel turns that into SIGTERM.
	procCtx, killProc := context.WithCancel(context.WithoutCancel(ctx))
	defer killProc()

	cmd := exec.CommandContext(procCtx, r.cfg.Command, r.cfg.Args...)
	cmd.Dir = req.WorkDir
	cmd.Env = r.environ(req)
	prompt := BuildPrompt(req.Feature, req.OperatorContext)
	cmd.Stdin = stringsReader(prompt)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = r.cfg.StopGrace

	usage := newUsageCollector(r.cfg.Model, prompt)
	stdout := newLineWriter(func(line string) {
		usage.observe(line)
		r.cfg.Sink.Line(ctx, req.SessionID, req.SlotID, "stdout", line)
	})
	stderr := newLineWriter(func(line string) {
		r.cfg.Sink.Line(ctx, req.SessionID, req.SlotID, "stderr", line)
	})
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		res.Outcome = OutcomeCrashed
		span.RecordError(err)
		span.SetStatus(codes.Error, "spawn failed")
		r.cfg.Metrics.RecordOutcome(ctx, string(res.Outcome), 0)
		return res, fmt.Errorf("start worker %q: %w", r.cfg.Command, err)
	}
	r.cfg.Metrics.SessionsStarted.Add(ctx, 1)
	logger.Info("worker session started", "pid", cmd.Process.Pid, "dir", req.WorkDir)
	if len(r.cfg.Env) > 0 {
		logger.Debug("worker env overrides", "env", shared.RedactEnv(r.cfg.Env))
	}

	var escalated atomic.Bool
	done := make(chan struct{})
	go func() {
		stop := req.Stop
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				escalated.Store(true)
				killProc()
				return
			case <-stop:
				stop = nil
				logger.Info("stop requested; waiting for worker to finish", "grace", r.cfg.StopGrace)
				timer := time.NewTimer(r.cfg.StopGrace)
				select {
				case <-done:
					timer.Stop()
					return
				case <-ctx.Done():
					timer.Stop()
				case <-timer.C:
				}
				escalated.Store(true)
				logger.Warn("grace elapsed; terminating worker")
				killProc()
				return
			}
		}
	}()

	waitErr := cmd.Wait()
	close(done)
	stdout.Flush()
	stderr.Flush()
	res.Duration = time.Since(start)
	res.ExitCode = exitCode(cmd, waitErr)
	res.Usage = usage.result(res.Duration)

	passed := false
	if r.cfg.Signals != nil {
		ok, err := r.cfg.Signals.HasSignal(context.WithoutCancel(ctx), req.SessionID, req.Feature.ID, persistence.SignalPassed)
		if err != nil {
			logger.Error("read pass signal", "error", err)
		}
		passed = ok
	}

	switch {
	case passed:
		res.Outcome = OutcomePassed
	case escalated.Load():
		res.Outcome = OutcomeTimedOutSoftly
	case res.ExitCode == 0 && (waitErr == nil || errors.Is(waitErr, exec.ErrWaitDelay)):
		// ErrWaitDelay after a zero exit means a descendant kept the output
		// pipes open past the grace; the worker itself finished cleanly.
		res.Outcome = OutcomeNoSignal
	default:
		res.Outcome = OutcomeCrashed
	}

	span.SetAttributes(otel.AttrOutcome.String(string(res.Outcome)))
	if res.Outcome == OutcomeCrashed {
		span.SetStatus(codes.Error, "worker crashed")
	}
	r.cfg.Metrics.RecordOutcome(ctx, string(res.Outcome), res.Duration.Seconds())
	r.cfg.Metrics.RecordUsage(ctx, res.Usage.Model, res.Usage.TokensIn, res.Usage.TokensOut, res.Usage.CostUSD)
	logger.Info("worker session finished",
		"outcome", res.Outcome,
		"exit_code", res.ExitCode,
		"duration", res.Duration,
		"tokens_in", res.Usage.TokensIn,
		"tokens_out", res.Usage.TokensOut,
		"cost_usd", res.Usage.CostUSD,
	)
	return res, nil
}

func (r *Runner) environ(req Request) []string {
	env := os.Environ()
	for k, v := range r.cfg.Env {
		env = append(env, k+"="+v)
	}
	return append(env,
		EnvDB+"="+r.cfg.DBPath,
		EnvProject+"="+r.cfg.Project,
		EnvSessionID+"="+req.SessionID,
		EnvSlotID+"="+req.SlotID,
		EnvFeatureID+"="+strconv.FormatInt(req.Feature.ID, 10),
	)
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
