package expander

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/metrics"
	"github.com/JakeFAU/harvester/internal/worker"
)

// TargetCrawler crawls one single-URL target.
type TargetCrawler interface {
	Crawl(ctx context.Context, target crawler.Target) worker.Result
}

// StateSaver flushes the crawl state alongside shard progress.
type StateSaver interface {
	Save() error
}

// Config controls a shard pass.
type Config struct {
	MaxWorkers   int
	MaxRequests  int
	SaveEvery    int
	ProgressPath string
}

// Result summarizes a shard pass.
type Result struct {
	Requests  int
	Succeeded int
	Failed    int
	// LimitReached is set when the pass stopped on MaxRequests.
	LimitReached bool
}

// Runner crawls the URLs of a shard's expanded targets.
type Runner struct {
	cfg     Config
	crawler TargetCrawler
	state   StateSaver
	clock   crawler.Clock
	logger  *zap.Logger

	mu        sync.Mutex
	progress  Progress
	processed map[string]struct{}
	failed    map[string]struct{}
	sinceSave int
}

// NewRunner builds a Runner. state may be nil.
func NewRunner(cfg Config, c TargetCrawler, state StateSaver, logger *zap.Logger) *Runner {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	if cfg.SaveEvery <= 0 {
		cfg.SaveEvery = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:       cfg,
		crawler:   c,
		state:     state,
		clock:     crawler.SystemClock{},
		logger:    logger,
		processed: make(map[string]struct{}),
		failed:    make(map[string]struct{}),
	}
}

// Run crawls every unprocessed URL of targets with at most MaxWorkers in
// flight, resuming from the progress file. Processed URLs are skipped, so a
// resumed pass walks from the first target again. Progress is saved every
// SaveEvery requests and on return.
func (r *Runner) Run(ctx context.Context, targets []ExpandedTarget) (Result, error) {
	progress, err := LoadProgress(r.cfg.ProgressPath)
	if err != nil {
		return Result{}, err
	}
	r.progress = progress
	for _, u := range progress.ProcessedURLs {
		r.processed[u] = struct{}{}
	}
	for _, u := range progress.FailedURLs {
		r.failed[u] = struct{}{}
	}
	start := progress.RequestCount
	if progress.RequestCount > 0 {
		r.logger.Info("resuming expansion",
			zap.Int("request_count", progress.RequestCount),
			zap.Int("last_target_index", progress.LastTargetIndex),
		)
	}

	var (
		res      Result
		g        errgroup.Group
		reserved = progress.RequestCount
	)
	g.SetLimit(r.cfg.MaxWorkers)

submit:
	for ti := 0; ti < len(targets); ti++ {
		target := targets[ti]
		r.setTargetIndex(ti)
		for ui, u := range target.URLs {
			if ctx.Err() != nil {
				break submit
			}
			if r.cfg.MaxRequests > 0 && reserved >= r.cfg.MaxRequests {
				res.LimitReached = true
				break submit
			}
			if r.isProcessed(u) {
				continue
			}
			reserved++
			single := SingleTarget(target.Name, ui, u)
			g.Go(func() error {
				out := r.crawler.Crawl(ctx, single)
				if out.Fetched == 0 && out.Failed == 0 {
					// Nothing was requested: the URL is already known, or the
					// crawl stopped before fetching. Its prior status stands.
					if out.Err != nil {
						r.logger.Error("expanded url not crawled", zap.String("url", u), zap.Error(out.Err))
					}
					return nil
				}
				r.record(u, out.Failed == 0)
				return nil
			})
		}
	}
	_ = g.Wait()

	r.mu.Lock()
	res.Requests = r.progress.RequestCount - start
	res.Succeeded = len(r.processed)
	res.Failed = len(r.failed)
	r.mu.Unlock()

	if err := r.save(); err != nil {
		return res, err
	}
	r.logger.Info("expansion pass finished",
		zap.Int("requests", res.Requests),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
		zap.Bool("limit_reached", res.LimitReached),
	)
	return res, nil
}

func (r *Runner) record(u string, ok bool) {
	r.mu.Lock()
	r.progress.RequestCount++
	if ok {
		r.processed[u] = struct{}{}
		delete(r.failed, u)
	} else {
		r.failed[u] = struct{}{}
	}
	r.sinceSave++
	due := r.sinceSave >= r.cfg.SaveEvery
	if due {
		r.sinceSave = 0
	}
	r.mu.Unlock()
	if due {
		if err := r.save(); err != nil {
			r.logger.Error("save expand progress", zap.Error(err))
		}
	}
}

func (r *Runner) save() error {
	r.mu.Lock()
	p := Progress{
		RequestCount:    r.progress.RequestCount,
		LastTargetIndex: r.progress.LastTargetIndex,
		ProcessedURLs:   keys(r.processed),
		FailedURLs:      keys(r.failed),
		Timestamp:       r.clock.Now().Format(time.RFC3339),
	}
	r.mu.Unlock()
	if r.state != nil {
		if err := r.state.Save(); err != nil {
			metrics.ObserveStateSaveError()
			r.logger.Error("save state", zap.Error(err))
		}
	}
	return SaveProgress(r.cfg.ProgressPath, p)
}

func (r *Runner) isProcessed(u string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.processed[u]
	return ok
}

func (r *Runner) setTargetIndex(ti int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress.LastTargetIndex = ti
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
