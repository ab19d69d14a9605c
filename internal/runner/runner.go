// Package runner drives continuous crawl runs: each run dispatches every
// unfinished target, then the loop pauses and starts over until all targets
// complete, a run makes no progress or the run limit is reached.
package runner

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/dispatcher"
	"github.com/JakeFAU/harvester/internal/metrics"
	"github.com/JakeFAU/harvester/internal/state"
)

// Stop reasons returned by Run.
const (
	ReasonAllCompleted = "all_completed"
	ReasonNoProgress   = "no_progress"
	ReasonMaxRuns      = "max_runs"
	ReasonCanceled     = "canceled"
)

// Config controls the run loop.
type Config struct {
	PauseDuration time.Duration
	// MaxRuns bounds the number of runs; zero is unbounded.
	MaxRuns int
}

// Dispatcher runs one pass over a set of targets.
type Dispatcher interface {
	Run(ctx context.Context, targets []crawler.Target) dispatcher.Summary
}

// Runner owns the continuous run loop.
type Runner struct {
	cfg      Config
	dispatch Dispatcher
	state    *state.Store
	logger   *zap.Logger
	newRunID func() string
	pause    func(ctx context.Context, d time.Duration) error
}

// New builds a Runner.
func New(cfg Config, dispatch Dispatcher, store *state.Store, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:      cfg,
		dispatch: dispatch,
		state:    store,
		logger:   logger,
		newRunID: uuid.NewString,
		pause:    crawler.Pause,
	}
}

// Run loops until a stop condition and returns its reason. Cancellation is a
// normal stop; state is saved after every run.
func (r *Runner) Run(ctx context.Context, targets []crawler.Target) string {
	for run := 1; ; run++ {
		pending := r.pending(targets)
		if len(pending) == 0 {
			r.logger.Info("all targets completed", zap.Int("targets", len(targets)))
			return ReasonAllCompleted
		}
		if ctx.Err() != nil {
			return ReasonCanceled
		}

		runID := r.newRunID()
		r.state.StartRun(runID)
		logger := r.logger.With(zap.String("run_id", runID), zap.Int("run", run))
		logger.Info("run starting", zap.Int("pending_targets", len(pending)))

		summary := r.dispatch.Run(ctx, pending)
		r.save(logger)

		stats := r.state.Summary()
		logger.Info("run finished",
			zap.Int("fetched", summary.Fetched()),
			zap.Int("target_errors", summary.Errors),
			zap.Int64("run_bytes", stats.CurrentRunDataSize),
			zap.Int64("total_bytes", stats.TotalDataSize),
		)

		if ctx.Err() != nil {
			return ReasonCanceled
		}
		remaining := r.pending(targets)
		if len(remaining) == 0 {
			logger.Info("all targets completed", zap.Int("targets", len(targets)))
			return ReasonAllCompleted
		}
		if summary.Fetched() == 0 && len(remaining) == len(pending) {
			logger.Warn("run made no progress, stopping", zap.Int("pending_targets", len(remaining)))
			return ReasonNoProgress
		}
		if r.cfg.MaxRuns > 0 && run >= r.cfg.MaxRuns {
			logger.Info("run limit reached", zap.Int("max_runs", r.cfg.MaxRuns))
			return ReasonMaxRuns
		}

		if summary.Paused() {
			logger.Info("run data limit reached, pausing", zap.Duration("pause", r.cfg.PauseDuration))
		} else {
			logger.Info("pausing before next run", zap.Duration("pause", r.cfg.PauseDuration))
		}
		if err := r.pause(ctx, r.cfg.PauseDuration); err != nil {
			return ReasonCanceled
		}
	}
}

func (r *Runner) pending(targets []crawler.Target) []crawler.Target {
	out := make([]crawler.Target, 0, len(targets))
	for _, t := range targets {
		if !r.state.IsCompleted(t.Name) {
			out = append(out, t)
		}
	}
	return out
}

func (r *Runner) save(logger *zap.Logger) {
	if err := r.state.Save(); err != nil {
		metrics.ObserveStateSaveError()
		logger.Error("save state", zap.Error(err))
	}
}
