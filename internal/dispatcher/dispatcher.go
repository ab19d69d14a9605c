// Package dispatcher fans targets out to a bounded pool of per-target crawl loops.
package dispatcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/worker"
)

// TargetCrawler runs one target's crawl loop.
type TargetCrawler interface {
	Crawl(ctx context.Context, target crawler.Target) worker.Result
}

// Summary aggregates the results of one pass over the targets.
type Summary struct {
	// Results is indexed like the targets passed to Run; targets that never
	// started because ctx ended have a zero Result.
	Results []worker.Result
	// Errors counts targets whose loop panicked or stopped on an error.
	Errors int
}

// Fetched returns the number of fetches issued across all targets, failures included.
func (s Summary) Fetched() int {
	n := 0
	for _, r := range s.Results {
		n += r.Fetched + r.Failed
	}
	return n
}

// Paused reports whether any target stopped on the per-run byte limit.
func (s Summary) Paused() bool {
	for _, r := range s.Results {
		if r.Paused() {
			return true
		}
	}
	return false
}

// Dispatcher runs up to limit targets concurrently.
type Dispatcher struct {
	crawler TargetCrawler
	limit   int
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(c TargetCrawler, limit int, logger *zap.Logger) *Dispatcher {
	if limit <= 0 {
		limit = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{crawler: c, limit: limit, logger: logger}
}

// Run crawls targets and blocks until every started loop returns. A panic in
// one target is recovered and logged; the others keep running. Panics inside a
// target's workers are recovered by the worker and reported through Result.Err.
func (d *Dispatcher) Run(ctx context.Context, targets []crawler.Target) Summary {
	results := make([]worker.Result, len(targets))
	failed := make([]bool, len(targets))

	var g errgroup.Group
	g.SetLimit(d.limit)
	for i, target := range targets {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			defer func() {
				if rec := recover(); rec != nil {
					failed[i] = true
					results[i] = worker.Result{Target: target.Name}
					d.logger.Error("target crawl panicked",
						zap.String("target", target.Name),
						zap.Error(fmt.Errorf("panic: %v", rec)),
					)
				}
			}()
			results[i] = d.crawler.Crawl(ctx, target)
			return nil
		})
	}
	_ = g.Wait()

	summary := Summary{Results: results}
	for i, f := range failed {
		if f || results[i].Err != nil {
			summary.Errors++
		}
	}
	return summary
}
