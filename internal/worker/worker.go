// Package worker runs the per-target crawl loop: a frontier of (url, depth)
// entries drained by one worker in sequential mode or a bounded pool in fast mode.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/config"
	"github.com/JakeFAU/harvester/internal/content"
	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/documents"
	"github.com/JakeFAU/harvester/internal/extract"
	"github.com/JakeFAU/harvester/internal/metrics"
	"github.com/JakeFAU/harvester/internal/queue/memory"
	"github.com/JakeFAU/harvester/internal/state"
)

// Stop reasons reported in Result.
const (
	StopPageCap  = "page_cap"
	StopRunBytes = "run_bytes"
	StopCanceled = "canceled"
	// StopConfig stops a target whose fetches cannot succeed as configured.
	StopConfig = "config"
	// StopPanic stops a target after a worker panicked.
	StopPanic = "panic"
)

// Config controls the crawl loop.
type Config struct {
	MaxDepth           int
	MaxPagesPerSite    int
	MinTextLength      int
	MaxPaginationPages int
	PaginationScope    string
	SameDomainOnly     bool
	RequestDelay       time.Duration
	Workers            int
	CheckpointEvery    int
	MaxRunBytes        int64
	DocumentsEnabled   bool
	DocumentExtensions []string
	MaxDocsPerSite     int
	DownloadMedia      bool
	APIDiscovery       bool
}

// Result summarizes one target run.
type Result struct {
	Target    string
	Fetched   int
	Saved     int
	Failed    int
	Completed bool
	// Skipped is set when the target was already completed and nothing ran.
	Skipped    bool
	StopReason string
	// Err is set when the run stopped on StopConfig or StopPanic.
	Err error
}

// Paused reports whether the run stopped on the per-run byte limit.
func (r Result) Paused() bool {
	return r.StopReason == StopRunBytes
}

// Crawler crawls targets against a shared crawl state.
type Crawler struct {
	cfg     Config
	fetcher crawler.Fetcher
	state   *state.Store
	writer  *content.Writer
	docs    *documents.Pipeline
	media   crawler.Fetcher
	clock   crawler.Clock
	logger  *zap.Logger

	transient bool
}

// Option customizes a Crawler.
type Option func(*Crawler)

// WithDocuments enables the document sub-pipeline.
func WithDocuments(p *documents.Pipeline) Option {
	return func(c *Crawler) { c.docs = p }
}

// WithMediaFetcher sets the fetcher used to download media when enabled.
func WithMediaFetcher(f crawler.Fetcher) Option {
	return func(c *Crawler) { c.media = f }
}

// WithTransientTargets crawls targets without checkpoints: the state file is
// never saved by the Crawler and a target's progress entry is dropped when
// Crawl returns. The caller owns flushing the state.
func WithTransientTargets() Option {
	return func(c *Crawler) { c.transient = true }
}

// WithClock overrides the clock used for discovery timestamps.
func WithClock(clock crawler.Clock) Option {
	return func(c *Crawler) { c.clock = clock }
}

// New builds a Crawler.
func New(
	cfg Config,
	fetcher crawler.Fetcher,
	store *state.Store,
	writer *content.Writer,
	logger *zap.Logger,
	opts ...Option,
) *Crawler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Crawler{
		cfg:     cfg,
		fetcher: fetcher,
		state:   store,
		writer:  writer,
		clock:   crawler.SystemClock{},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Crawl runs the frontier loop for target until the frontier drains, a
// budget stops it or ctx is canceled. Only a natural drain marks the target completed.
func (c *Crawler) Crawl(ctx context.Context, target crawler.Target) Result {
	if c.state.IsCompleted(target.Name) {
		return Result{Target: target.Name, Completed: true, Skipped: true}
	}
	metrics.IncActiveTargets()
	defer metrics.DecActiveTargets()

	progress, _ := c.state.Target(target.Name)
	r := newRun(c, target, progress)
	r.logger.Info("starting target",
		zap.String("url", target.URL),
		zap.Int("seeds", r.frontier.Len()),
		zap.Int("workers", c.cfg.Workers),
	)

	if c.cfg.APIDiscovery && len(progress.Frontier) == 0 {
		c.discoverAPIs(ctx, target)
	}

	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer r.recoverWorker()
			r.work(ctx)
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		r.stop(StopCanceled)
	}
	res := r.result()
	if c.transient {
		c.state.ForgetTarget(target.Name)
	} else {
		r.checkpoint(res.Completed)
	}
	metrics.SetFrontierDepth(target.Name, r.frontier.Len())
	r.logger.Info("finished target",
		zap.Int("fetched", res.Fetched),
		zap.Int("saved", res.Saved),
		zap.Int("failed", res.Failed),
		zap.Bool("completed", res.Completed),
		zap.String("stop_reason", res.StopReason),
	)
	return res
}

type run struct {
	c        *Crawler
	target   crawler.Target
	logger   *zap.Logger
	frontier *memory.Frontier
	opts     extract.Options

	seenMu sync.Mutex
	seen   map[string]struct{}

	pages      *crawler.Budget
	pagination *crawler.Budget
	docs       *crawler.Budget

	fetched atomic.Int64
	saved   atomic.Int64
	failed  atomic.Int64
	handled atomic.Int64

	stopMu     sync.Mutex
	stopReason string
	stopErr    error
}

func newRun(c *Crawler, target crawler.Target, progress state.TargetProgress) *run {
	r := &run{
		c:      c,
		target: target,
		logger: c.logger.With(zap.String("target", target.Name)),
		seen:   make(map[string]struct{}),
		pages:  crawler.NewBudget(c.cfg.MaxPagesPerSite),
		docs:   crawler.NewBudget(c.cfg.MaxDocsPerSite),
		opts: extract.Options{
			SeedURL:            target.URL,
			SameDomainOnly:     c.cfg.SameDomainOnly,
			DocumentExtensions: c.cfg.DocumentExtensions,
			CollectMedia:       c.cfg.DownloadMedia,
		},
	}
	switch c.cfg.PaginationScope {
	case config.PaginationScopePersistent:
		r.pagination = crawler.NewBudgetFrom(c.cfg.MaxPaginationPages, progress.PaginationUsed)
	case config.PaginationScopePage:
	default:
		r.pagination = crawler.NewBudget(c.cfg.MaxPaginationPages)
	}
	r.frontier = memory.NewFrontier(r.seeds(progress)...)
	return r
}

// seeds resumes from the persisted frontier when there is one, otherwise
// starts from the target root.
func (r *run) seeds(progress state.TargetProgress) []crawler.FrontierEntry {
	candidates := progress.Frontier
	if len(candidates) == 0 {
		candidates = []crawler.FrontierEntry{{URL: r.target.URL, Depth: 0}}
	}
	out := make([]crawler.FrontierEntry, 0, len(candidates))
	for _, e := range candidates {
		e.URL = crawler.NormalizeURL(e.URL)
		if r.c.state.IsKnown(e.URL) || !r.markSeen(e.URL) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (r *run) work(ctx context.Context) {
	for {
		if r.stopped() {
			return
		}
		if r.overRunBytes() {
			r.stop(StopRunBytes)
			return
		}
		entry, err := r.frontier.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, memory.ErrDrained) && !errors.Is(err, memory.ErrClosed) {
				r.stop(StopCanceled)
			}
			return
		}
		fetched := r.handleEntry(ctx, entry)
		r.frontier.Done(entry)
		if fetched {
			r.tick()
			if r.c.cfg.RequestDelay > 0 {
				if err := crawler.Pause(ctx, r.c.cfg.RequestDelay); err != nil {
					return
				}
			}
		}
	}
}

// handleEntry runs handle, turning a panic into a StopPanic of the target.
// The entry goes back to the frontier so a later run can resume it.
func (r *run) handleEntry(ctx context.Context, entry crawler.FrontierEntry) (fetched bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("crawl worker panicked",
				zap.String("url", entry.URL),
				zap.Any("panic", rec),
				zap.Stack("stack"),
			)
			r.frontier.Requeue(entry)
			r.fail(StopPanic, fmt.Errorf("panic handling %s: %v", entry.URL, rec))
			fetched = false
		}
	}()
	return r.handle(ctx, entry)
}

// recoverWorker stops the target on a panic outside handle.
func (r *run) recoverWorker() {
	if rec := recover(); rec != nil {
		r.logger.Error("crawl worker panicked", zap.Any("panic", rec), zap.Stack("stack"))
		r.fail(StopPanic, fmt.Errorf("panic: %v", rec))
	}
}

// handle processes one entry and reports whether a fetch was issued.
func (r *run) handle(ctx context.Context, entry crawler.FrontierEntry) bool {
	url := crawler.NormalizeURL(entry.URL)
	logger := r.logger.With(zap.String("url", url), zap.Int("depth", entry.Depth))
	if entry.Depth > r.c.cfg.MaxDepth {
		metrics.ObservePageSkipped("depth")
		return false
	}
	if r.c.state.IsKnown(url) {
		metrics.ObservePageSkipped("known")
		return false
	}
	if !r.pages.Acquire(ctx) {
		r.frontier.Requeue(entry)
		if ctx.Err() == nil {
			logger.Info("page budget reached", zap.Int("max_pages_per_site", r.c.cfg.MaxPagesPerSite))
			r.stop(StopPageCap)
		}
		return false
	}
	saved := false
	defer func() {
		if saved {
			r.pages.Commit()
		} else {
			r.pages.Release()
		}
	}()
	if r.stopped() {
		r.frontier.Requeue(entry)
		return false
	}

	logger.Debug("fetching")
	res := r.c.fetcher.Fetch(ctx, url)
	if !res.OK() {
		if ctx.Err() != nil {
			r.frontier.Requeue(entry)
			return false
		}
		if errors.Is(res.Err, crawler.ErrMissingCredentials) {
			logger.Error("fetch is not configured, stopping target", zap.Error(res.Err))
			r.frontier.Requeue(entry)
			r.fail(StopConfig, res.Err)
			return false
		}
		r.markFailed(url, res.Reason, logger)
		return true
	}
	r.fetched.Add(1)

	page, err := extract.ParseHTML(res.Content, url, r.opts)
	if err != nil {
		r.markFailed(url, err.Error(), logger)
		return true
	}

	if len(page.Text) < r.c.cfg.MinTextLength {
		logger.Info("skipping save, content too short", zap.Int("text_length", len(page.Text)))
		metrics.ObservePageSkipped("quality")
		r.c.state.MarkProcessed(url)
	} else if err := r.savePage(ctx, entry, url, res.Content, page); err != nil {
		logger.Error("save page", zap.Error(err))
		r.markFailed(url, err.Error(), logger)
		return true
	} else {
		saved = true
		r.c.state.MarkProcessed(url)
	}

	r.processDocuments(ctx, page.Documents)
	r.expand(entry.Depth, page.Links)
	return true
}

func (r *run) savePage(ctx context.Context, entry crawler.FrontierEntry, url string, html []byte, page extract.Page) error {
	mediaPaths := r.downloadMedia(ctx, page.Media)
	saved, err := r.c.writer.SavePage(ctx, content.Page{
		Target:     r.target.Name,
		URL:        url,
		Depth:      entry.Depth,
		HTML:       html,
		Text:       page.Text,
		Language:   page.Language,
		MediaURLs:  page.Media,
		MediaPaths: mediaPaths,
	})
	r.addBytes(saved.Bytes)
	if err != nil {
		return err
	}
	r.saved.Add(1)
	r.c.state.UpdateTarget(r.target.Name, func(p *state.TargetProgress) { p.Scraped++ })
	metrics.ObservePageSaved(url, saved.Bytes)
	r.logger.Info("page saved",
		zap.String("url", url),
		zap.Int("depth", entry.Depth),
		zap.Int64("bytes", saved.Bytes),
	)
	return nil
}

func (r *run) downloadMedia(ctx context.Context, media []string) []string {
	if !r.c.cfg.DownloadMedia || r.c.media == nil {
		return nil
	}
	var paths []string
	for _, mediaURL := range media {
		res := r.c.media.Fetch(ctx, mediaURL)
		if !res.OK() {
			r.logger.Debug("media download failed", zap.String("url", mediaURL), zap.String("reason", res.Reason))
			continue
		}
		path, n, err := r.c.writer.SaveMedia(ctx, r.target.Name, mediaURL, res.Content)
		if err != nil {
			r.logger.Warn("save media", zap.String("url", mediaURL), zap.Error(err))
			continue
		}
		r.addBytes(n)
		paths = append(paths, path)
	}
	return paths
}

func (r *run) processDocuments(ctx context.Context, docs []string) {
	if !r.c.cfg.DocumentsEnabled || r.c.docs == nil {
		return
	}
	for _, docURL := range docs {
		if r.docs.Exhausted() || ctx.Err() != nil {
			return
		}
		res := r.c.docs.Process(ctx, r.target.Name, docURL, r.docs)
		if res.Outcome == documents.OutcomeSaved {
			r.c.state.UpdateTarget(r.target.Name, func(p *state.TargetProgress) { p.DocsSaved++ })
		}
	}
}

// expand enqueues unseen links one level deeper, charging pagination links
// against the pagination budget.
func (r *run) expand(depth int, links []extract.Link) {
	next := depth + 1
	if next > r.c.cfg.MaxDepth {
		return
	}
	pageBudget := crawler.NewBudget(r.c.cfg.MaxPaginationPages)
	batch := make([]crawler.FrontierEntry, 0, len(links))
	for _, link := range links {
		if r.c.state.IsKnown(link.URL) || r.isSeen(link.URL) {
			continue
		}
		if link.Pagination && !r.allowPagination(pageBudget) {
			continue
		}
		if !r.markSeen(link.URL) {
			continue
		}
		batch = append(batch, crawler.FrontierEntry{URL: link.URL, Depth: next})
	}
	r.frontier.Enqueue(batch...)
	metrics.SetFrontierDepth(r.target.Name, r.frontier.Len())
}

func (r *run) allowPagination(pageBudget *crawler.Budget) bool {
	if r.c.cfg.MaxPaginationPages == 0 {
		return false
	}
	if r.pagination == nil {
		return pageBudget.Reserve()
	}
	return r.pagination.Reserve()
}

func (r *run) markFailed(url, reason string, logger *zap.Logger) {
	logger.Warn("fetch failed", zap.String("reason", reason))
	r.failed.Add(1)
	r.c.state.MarkFailed(url)
	r.c.state.UpdateTarget(r.target.Name, func(p *state.TargetProgress) { p.Failed++ })
}

func (r *run) addBytes(n int64) {
	if n <= 0 {
		return
	}
	r.c.state.AddBytes(n)
	metrics.ObserveBytes(n)
}

func (r *run) overRunBytes() bool {
	limit := r.c.cfg.MaxRunBytes
	return limit > 0 && r.c.state.CurrentRunBytes() >= limit
}

func (r *run) tick() {
	if n := r.handled.Add(1); n == 1 || n%int64(r.c.cfg.CheckpointEvery) == 0 {
		r.checkpoint(false)
	}
}

// checkpoint persists the pending frontier and flushes the state file.
// Save errors are logged; the run continues on in-memory state.
func (r *run) checkpoint(completed bool) {
	if r.c.transient {
		return
	}
	pending := r.frontier.Pending()
	r.c.state.UpdateTarget(r.target.Name, func(p *state.TargetProgress) {
		p.Frontier = pending
		if r.c.cfg.PaginationScope == config.PaginationScopePersistent && r.pagination != nil {
			p.PaginationUsed = r.pagination.Used()
		}
		if completed {
			p.Completed = true
			p.Frontier = nil
		}
	})
	if err := r.c.state.Save(); err != nil {
		metrics.ObserveStateSaveError()
		r.logger.Error("save state", zap.Error(err))
	}
}

func (r *run) isSeen(url string) bool {
	r.seenMu.Lock()
	defer r.seenMu.Unlock()
	_, ok := r.seen[url]
	return ok
}

func (r *run) markSeen(url string) bool {
	r.seenMu.Lock()
	defer r.seenMu.Unlock()
	if _, ok := r.seen[url]; ok {
		return false
	}
	r.seen[url] = struct{}{}
	return true
}

func (r *run) stop(reason string) {
	r.fail(reason, nil)
}

// fail records the first stop reason and its cause, then closes the frontier.
func (r *run) fail(reason string, err error) {
	r.stopMu.Lock()
	if r.stopReason == "" {
		r.stopReason = reason
		r.stopErr = err
	}
	r.stopMu.Unlock()
	r.frontier.Close()
}

func (r *run) stopped() bool {
	r.stopMu.Lock()
	defer r.stopMu.Unlock()
	return r.stopReason != ""
}

func (r *run) result() Result {
	r.stopMu.Lock()
	reason, err := r.stopReason, r.stopErr
	r.stopMu.Unlock()
	return Result{
		Target:     r.target.Name,
		Fetched:    int(r.fetched.Load()),
		Saved:      int(r.saved.Load()),
		Failed:     int(r.failed.Load()),
		Completed:  reason == "",
		StopReason: reason,
		Err:        err,
	}
}
