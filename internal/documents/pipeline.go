// Package documents downloads, deduplicates and persists documents linked
// from crawled pages.
package documents

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/content"
	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/extract"
	"github.com/JakeFAU/harvester/internal/metrics"
	"github.com/JakeFAU/harvester/internal/state"
)

// Outcome labels what happened to a document link.
type Outcome string

// Document outcomes. Only OutcomeSaved writes content.
const (
	OutcomeSaved       Outcome = "saved"
	OutcomeCapReached  Outcome = "cap_reached"
	OutcomeKnownURL    Outcome = "known_url"
	OutcomeFetchFailed Outcome = "fetch_failed"
	OutcomeOversize    Outcome = "oversize"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeNoText      Outcome = "no_text"
	OutcomeError       Outcome = "error"
)

// Config controls document limits.
type Config struct {
	MaxSizeBytes  int64
	MinTextLength int
	// Topic receives a DocumentSaved message per saved document; empty disables publishing.
	Topic string
}

// Result reports the outcome for one document URL.
type Result struct {
	Outcome Outcome
	Path    string
	Bytes   int64
}

// Pipeline runs the two-stage deduplicated document download.
type Pipeline struct {
	cfg       Config
	fetcher   crawler.Fetcher
	direct    crawler.Fetcher
	extractor crawler.TextExtractor
	writer    *content.Writer
	state     *state.Store
	publisher crawler.Publisher
	clock     crawler.Clock
	logger    *zap.Logger

	// failed holds URL hashes whose download failed in this process; they are
	// retried by a later process, not by another page linking them.
	failedMu sync.Mutex
	failed   map[string]struct{}
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithDirectFetcher sets the fetcher used when the primary fetcher does not return a PDF.
func WithDirectFetcher(f crawler.Fetcher) Option {
	return func(p *Pipeline) { p.direct = f }
}

// WithPublisher enables saved-document notifications.
func WithPublisher(pub crawler.Publisher) Option {
	return func(p *Pipeline) { p.publisher = pub }
}

// WithClock overrides the notification timestamp source.
func WithClock(c crawler.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// New wires a Pipeline.
func New(
	cfg Config,
	fetcher crawler.Fetcher,
	extractor crawler.TextExtractor,
	writer *content.Writer,
	store *state.Store,
	logger *zap.Logger,
	opts ...Option,
) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		cfg:       cfg,
		fetcher:   fetcher,
		extractor: extractor,
		writer:    writer,
		state:     store,
		clock:     crawler.SystemClock{},
		logger:    logger,
		failed:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process handles one document link for target. budget bounds the documents
// saved for the target; a slot is only kept when the document is saved.
func (p *Pipeline) Process(ctx context.Context, target, docURL string, budget *crawler.Budget) Result {
	logger := p.logger.With(zap.String("target", target), zap.String("url", docURL))
	if budget != nil && !budget.Reserve() {
		return p.done(OutcomeCapReached, Result{})
	}
	res := p.process(ctx, target, docURL, logger)
	if budget != nil {
		if res.Outcome == OutcomeSaved {
			budget.Commit()
		} else {
			budget.Release()
		}
	}
	return p.done(res.Outcome, res)
}

func (p *Pipeline) process(ctx context.Context, target, docURL string, logger *zap.Logger) Result {
	urlHash := crawler.URLHash(docURL)
	if p.state.HasDocHash(urlHash) {
		return Result{Outcome: OutcomeKnownURL}
	}
	if p.hasFailed(urlHash) {
		return Result{Outcome: OutcomeFetchFailed}
	}

	data, ok := p.download(ctx, docURL, logger)
	if !ok {
		if ctx.Err() == nil {
			p.markFailed(urlHash)
		}
		return Result{Outcome: OutcomeFetchFailed}
	}
	if p.cfg.MaxSizeBytes > 0 && int64(len(data)) > p.cfg.MaxSizeBytes {
		logger.Info("skipping oversized document", zap.Int("bytes", len(data)))
		p.state.AddDocHashes(urlHash)
		return Result{Outcome: OutcomeOversize}
	}

	contentHash := crawler.ContentHash(data)
	if !p.state.ClaimDocHash(contentHash) {
		logger.Info("skipping duplicate document content")
		p.state.AddDocHashes(urlHash)
		return Result{Outcome: OutcomeDuplicate}
	}
	p.state.AddDocHashes(urlHash)

	text, err := p.extractor.ExtractText(data)
	text = strings.TrimSpace(text)
	if err != nil || text == "" || len(text) < p.cfg.MinTextLength {
		logger.Info("skipping document without usable text", zap.Int("text_length", len(text)), zap.Error(err))
		return Result{Outcome: OutcomeNoText}
	}

	saved, err := p.writer.SaveDocument(ctx, content.Document{
		Target:      target,
		URL:         docURL,
		Content:     data,
		Text:        text,
		ContentHash: contentHash,
	})
	p.state.AddBytes(saved.Bytes)
	metrics.ObserveBytes(saved.Bytes)
	if err != nil {
		logger.Error("save document", zap.Error(err))
		return Result{Outcome: OutcomeError, Bytes: saved.Bytes}
	}

	rawPath := saved.Paths[0]
	p.notify(ctx, crawler.DocumentSaved{
		Target:      target,
		URL:         docURL,
		Path:        rawPath,
		ContentHash: contentHash,
		SizeBytes:   len(data),
		Timestamp:   p.clock.Now(),
	}, logger)
	logger.Info("document saved", zap.String("path", rawPath), zap.Int64("bytes", saved.Bytes))
	return Result{Outcome: OutcomeSaved, Path: rawPath, Bytes: saved.Bytes}
}

func (p *Pipeline) hasFailed(urlHash string) bool {
	p.failedMu.Lock()
	defer p.failedMu.Unlock()
	_, ok := p.failed[urlHash]
	return ok
}

func (p *Pipeline) markFailed(urlHash string) {
	p.failedMu.Lock()
	defer p.failedMu.Unlock()
	p.failed[urlHash] = struct{}{}
}

func (p *Pipeline) download(ctx context.Context, docURL string, logger *zap.Logger) ([]byte, bool) {
	res := p.fetcher.Fetch(ctx, docURL)
	if res.OK() && extract.IsPDF(res.Content) {
		return res.Content, true
	}
	if p.direct == nil {
		if res.OK() {
			return res.Content, true
		}
		return nil, false
	}
	logger.Debug("falling back to direct document download", zap.String("reason", res.Reason))
	direct := p.direct.Fetch(ctx, docURL)
	if direct.OK() {
		return direct.Content, true
	}
	logger.Warn("document download failed", zap.String("reason", direct.Reason))
	return nil, false
}

func (p *Pipeline) notify(ctx context.Context, msg crawler.DocumentSaved, logger *zap.Logger) {
	if p.publisher == nil || p.cfg.Topic == "" {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, err := p.publisher.Publish(pubCtx, p.cfg.Topic, msg); err != nil {
		logger.Warn("publish document.saved", zap.Error(fmt.Errorf("publish: %w", err)))
	}
}

func (p *Pipeline) done(outcome Outcome, res Result) Result {
	metrics.ObserveDocument(string(outcome))
	res.Outcome = outcome
	return res
}
