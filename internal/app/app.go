// Package app holds the long-lived services a command needs and wires the
// crawl engine from configuration.
package app

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/config"
	"github.com/JakeFAU/harvester/internal/content"
	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/documents"
	"github.com/JakeFAU/harvester/internal/extract"
	"github.com/JakeFAU/harvester/internal/fetcher/direct"
	"github.com/JakeFAU/harvester/internal/fetcher/proxy"
	"github.com/JakeFAU/harvester/internal/policy/ratelimit"
	pubmemory "github.com/JakeFAU/harvester/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/harvester/internal/state"
	gcsstore "github.com/JakeFAU/harvester/internal/storage/gcs"
	localstore "github.com/JakeFAU/harvester/internal/storage/local"
	memorystore "github.com/JakeFAU/harvester/internal/storage/memory"
	"github.com/JakeFAU/harvester/internal/worker"
)

// App is the dependency container shared by the CLI commands. Remote
// clients are only opened by Connect, so read-only commands stay offline.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	blobs     crawler.BlobStore
	publisher crawler.Publisher
	clock     crawler.Clock
	closers   []func() error
}

// Option customizes an App.
type Option func(*App)

// WithBlobStore injects the content store instead of building it from config.
func WithBlobStore(store crawler.BlobStore) Option {
	return func(a *App) { a.blobs = store }
}

// WithPublisher injects the notification publisher.
func WithPublisher(pub crawler.Publisher) Option {
	return func(a *App) { a.publisher = pub }
}

// WithClock overrides the clock used for state and file names.
func WithClock(clock crawler.Clock) Option {
	return func(a *App) { a.clock = clock }
}

// New builds an App.
func New(cfg config.Config, logger *zap.Logger, opts ...Option) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, clock: crawler.SystemClock{}}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// BlobStore returns the content store; it is nil before Connect.
func (a *App) BlobStore() crawler.BlobStore {
	return a.blobs
}

// Publisher returns the notification publisher; it is nil before Connect or
// when notifications are disabled.
func (a *App) Publisher() crawler.Publisher {
	return a.publisher
}

// Connect opens the configured content store and, when a topic is set, the
// notification publisher.
func (a *App) Connect(ctx context.Context) error {
	if a.blobs == nil {
		store, err := a.openBlobStore(ctx)
		if err != nil {
			return fmt.Errorf("init storage: %w", err)
		}
		a.blobs = store
	}
	if a.publisher == nil && a.cfg.PubSub.Topic != "" {
		pub, err := a.openPublisher(ctx)
		if err != nil {
			return fmt.Errorf("init pubsub: %w", err)
		}
		a.publisher = pub
		a.logger.Info("publishing document notifications",
			zap.String("backend", a.cfg.PubSub.Backend),
			zap.String("topic", a.cfg.PubSub.Topic),
		)
	}
	return nil
}

func (a *App) openPublisher(ctx context.Context) (crawler.Publisher, error) {
	switch a.cfg.PubSub.Backend {
	case config.PublisherMemory:
		pub := pubmemory.New()
		a.closers = append(a.closers, func() error {
			a.logger.Info("discarding in-memory notifications", zap.Int("messages", len(pub.Messages(""))))
			return nil
		})
		return pub, nil
	case config.PublisherPubSub, "":
		client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return nil, err
		}
		pub := pubsubpublisher.New(client)
		a.closers = append(a.closers, func() error {
			pub.Close()
			return client.Close()
		})
		return pub, nil
	default:
		return nil, fmt.Errorf("unknown pubsub backend %q", a.cfg.PubSub.Backend)
	}
}

func (a *App) openBlobStore(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.StorageGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		a.logger.Info("using gcs storage", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return gcsstore.New(client, gcsstore.Config{Bucket: a.cfg.Storage.GCSBucket})
	case config.StorageMemory:
		a.logger.Info("using in-memory storage; saved content is discarded on exit")
		return memorystore.NewBlobStore(), nil
	case config.StorageLocal, "":
		return localstore.New(localstore.Config{BaseDir: a.cfg.Paths.OutputDir})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", a.cfg.Storage.Backend)
	}
}

// OpenState loads the crawl state at path.
func (a *App) OpenState(path string) (*state.Store, error) {
	store, err := state.Open(path, a.clock)
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}
	return store, nil
}

// NewCrawler wires the per-target engine for cfg against store. Connect must
// have been called, and the fetch API credentials must be set.
func (a *App) NewCrawler(cfg config.Config, store *state.Store, extra ...worker.Option) (*worker.Crawler, error) {
	if a.blobs == nil {
		return nil, errors.New("storage is not connected")
	}
	if cfg.Fetch.Username == "" || cfg.Fetch.Password == "" {
		return nil, fmt.Errorf("fetch.username and fetch.password: %w", crawler.ErrMissingCredentials)
	}
	limiter := ratelimit.New(ratelimit.Config{RPS: cfg.Fetch.RatePerSecond, Burst: cfg.Fetch.Burst})
	pages := proxy.New(ProxyConfig(cfg), limiter, a.logger)
	writer := content.NewWriter(a.blobs, a.cfg.Storage.Prefix, a.clock)

	var opts []worker.Option
	opts = append(opts, worker.WithClock(a.clock))
	directFetcher := direct.New(direct.Config{
		UserAgent:   cfg.Fetch.UserAgent,
		Timeout:     cfg.Documents.DirectTimeout,
		MaxBodySize: int(cfg.Documents.MaxSizeBytes) + 1,
	})
	if cfg.Crawler.DownloadMedia {
		opts = append(opts, worker.WithMediaFetcher(directFetcher))
	}
	if cfg.Documents.Enabled {
		docOpts := []documents.Option{documents.WithClock(a.clock)}
		if cfg.Documents.DirectFallback {
			docOpts = append(docOpts, documents.WithDirectFetcher(directFetcher))
		}
		if a.publisher != nil && cfg.PubSub.Topic != "" {
			docOpts = append(docOpts, documents.WithPublisher(a.publisher))
		}
		pipeline := documents.New(
			documents.Config{
				MaxSizeBytes:  cfg.Documents.MaxSizeBytes,
				MinTextLength: cfg.Crawler.MinTextLength,
				Topic:         cfg.PubSub.Topic,
			},
			pages.WithRendering(false, 0),
			extract.PDFExtractor{},
			writer,
			store,
			a.logger,
			docOpts...,
		)
		opts = append(opts, worker.WithDocuments(pipeline))
	}
	opts = append(opts, extra...)
	return worker.New(WorkerConfig(cfg), pages, store, writer, a.logger, opts...), nil
}

// ProxyConfig maps the fetch section onto the proxy client.
func ProxyConfig(cfg config.Config) proxy.Config {
	return proxy.Config{
		Endpoint:    cfg.Fetch.Endpoint,
		Username:    cfg.Fetch.Username,
		Password:    cfg.Fetch.Password,
		Source:      cfg.Fetch.Source,
		RenderJS:    cfg.Fetch.RenderJS,
		WaitMS:      cfg.Fetch.WaitMS,
		Timeout:     cfg.Fetch.Timeout,
		MaxAttempts: cfg.Fetch.MaxAttempts,
		BackoffBase: cfg.Fetch.BackoffBase,
		BackoffMax:  cfg.Fetch.BackoffMax,
		UserAgent:   cfg.Fetch.UserAgent,
	}
}

// WorkerConfig maps the crawler, documents and runs sections onto the engine.
func WorkerConfig(cfg config.Config) worker.Config {
	return worker.Config{
		MaxDepth:           cfg.Crawler.MaxDepth,
		MaxPagesPerSite:    cfg.Crawler.MaxPagesPerSite,
		MinTextLength:      cfg.Crawler.MinTextLength,
		MaxPaginationPages: cfg.Crawler.MaxPaginationPages,
		PaginationScope:    cfg.Crawler.PaginationScope,
		SameDomainOnly:     cfg.Crawler.SameDomainOnly,
		RequestDelay:       cfg.Crawler.RequestDelay,
		Workers:            cfg.Crawler.Workers(),
		CheckpointEvery:    cfg.Crawler.CheckpointEvery,
		MaxRunBytes:        cfg.Runs.MaxRunBytes,
		DocumentsEnabled:   cfg.Documents.Enabled,
		DocumentExtensions: cfg.Documents.Extensions,
		MaxDocsPerSite:     cfg.Documents.MaxPerSite,
		DownloadMedia:      cfg.Crawler.DownloadMedia,
		APIDiscovery:       cfg.Crawler.APIDiscovery,
	}
}

// Close releases every client opened by Connect.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close service", zap.Error(err))
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
}
