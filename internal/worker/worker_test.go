package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvester/internal/config"
	"github.com/JakeFAU/harvester/internal/content"
	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/documents"
	"github.com/JakeFAU/harvester/internal/fetcher/proxy"
	"github.com/JakeFAU/harvester/internal/state"
	"github.com/JakeFAU/harvester/internal/storage/memory"
)

const root = "http://example.com"

var seedTarget = crawler.Target{Name: "x", URL: root}

// fakeFetcher serves canned bodies and records every fetched URL.
type fakeFetcher struct {
	mu      sync.Mutex
	handler func(url string) crawler.FetchResult
	calls   []string
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) crawler.FetchResult {
	f.mu.Lock()
	f.calls = append(f.calls, url)
	f.mu.Unlock()
	return f.handler(url)
}

func (f *fakeFetcher) fetched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func pageHTML(links ...string) []byte {
	var b strings.Builder
	b.WriteString("<html><body><p>")
	b.WriteString(strings.Repeat("useful words here ", 20))
	b.WriteString("</p>")
	for i, l := range links {
		fmt.Fprintf(&b, `<a href="%s">item %d</a>`, l, i)
	}
	b.WriteString("</body></html>")
	return []byte(b.String())
}

func itemLinks(n int) []string {
	links := make([]string, n)
	for i := range links {
		links[i] = fmt.Sprintf("/item-%d", i)
	}
	return links
}

func fixedPage(links ...string) *fakeFetcher {
	body := pageHTML(links...)
	return &fakeFetcher{handler: func(string) crawler.FetchResult { return crawler.Fetched(body, 1) }}
}

func baseConfig() Config {
	return Config{
		MaxDepth:           1,
		MaxPagesPerSite:    100,
		MinTextLength:      50,
		MaxPaginationPages: 50,
		PaginationScope:    config.PaginationScopeRun,
		SameDomainOnly:     true,
		Workers:            1,
		CheckpointEvery:    2,
		DocumentExtensions: []string{".pdf"},
	}
}

type env struct {
	statePath string
	store     *state.Store
	blobs     *memory.BlobStore
}

func newEnv(t *testing.T) *env {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	st, err := state.Open(path, nil)
	require.NoError(t, err)
	return &env{statePath: path, store: st, blobs: memory.NewBlobStore()}
}

func (e *env) reopen(t *testing.T) {
	t.Helper()
	st, err := state.Open(e.statePath, nil)
	require.NoError(t, err)
	e.store = st
}

func (e *env) newCrawler(cfg Config, f crawler.Fetcher, opts ...Option) *Crawler {
	return New(cfg, f, e.store, content.NewWriter(e.blobs, "", nil), nil, opts...)
}

func TestCrawlPageCapLeavesTargetResumable(t *testing.T) {
	t.Parallel()

	for _, workers := range []int{1, 4} {
		workers := workers
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			t.Parallel()

			e := newEnv(t)
			cfg := baseConfig()
			cfg.MaxPagesPerSite = 5
			cfg.Workers = workers
			f := fixedPage(itemLinks(10)...)

			res := e.newCrawler(cfg, f).Crawl(context.Background(), seedTarget)

			assert.Equal(t, 5, res.Saved)
			assert.False(t, res.Completed)
			assert.Equal(t, StopPageCap, res.StopReason)
			assert.Len(t, e.blobs.Paths(".html"), 5)
			assert.Empty(t, e.blobs.Paths(".pdf"))
			assert.Empty(t, e.blobs.Paths("_doc.json"))

			progress, ok := e.store.Target("x")
			require.True(t, ok)
			assert.False(t, progress.Completed)
			assert.Equal(t, 5, progress.Scraped)
			assert.Len(t, progress.Frontier, 6)
		})
	}
}

func TestCrawlCompletesWhenFrontierDrains(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	f := fixedPage(itemLinks(3)...)

	res := e.newCrawler(baseConfig(), f).Crawl(context.Background(), seedTarget)

	assert.True(t, res.Completed)
	assert.Empty(t, res.StopReason)
	assert.Equal(t, 4, res.Saved)
	progress, _ := e.store.Target("x")
	assert.True(t, progress.Completed)
	assert.Empty(t, progress.Frontier)
}

func TestCrawlAlwaysFailingURLRecordedAsFailed(t *testing.T) {
	t.Parallel()

	bad := root + "/item-3"
	body := pageHTML(itemLinks(5)...)
	var (
		mu    sync.Mutex
		calls = map[string]int{}
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var req struct {
			URL string `json:"url"`
		}
		_ = json.Unmarshal(raw, &req)
		mu.Lock()
		calls[req.URL]++
		mu.Unlock()
		if req.URL == bad {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{{"content": string(body), "status_code": 200}},
		})
	}))
	defer server.Close()

	client := proxy.New(proxy.Config{
		Endpoint:    server.URL,
		Username:    "user",
		Password:    "pass",
		Timeout:     time.Second,
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		BackoffMax:  2 * time.Millisecond,
	}, nil, nil)

	e := newEnv(t)
	res := e.newCrawler(baseConfig(), client).Crawl(context.Background(), seedTarget)

	assert.True(t, res.Completed)
	assert.Equal(t, 1, res.Failed)
	mu.Lock()
	assert.Equal(t, 3, calls[bad])
	mu.Unlock()
	assert.True(t, e.store.IsFailed(bad))
	assert.False(t, e.store.IsProcessed(bad))

	for _, path := range e.blobs.Paths(".json") {
		raw, ok := e.blobs.Get(path)
		require.True(t, ok)
		var meta crawler.PageMetadata
		require.NoError(t, json.Unmarshal(raw, &meta))
		assert.NotEqual(t, bad, meta.URL)
	}
	for _, path := range e.blobs.Paths("") {
		assert.NotContains(t, path, crawler.URLHash(bad)[:8])
	}
}

func TestCrawlRestartDoesNotRefetch(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	cfg := baseConfig()
	cfg.MaxPagesPerSite = 5
	first := fixedPage(itemLinks(10)...)

	res := e.newCrawler(cfg, first).Crawl(context.Background(), seedTarget)
	require.False(t, res.Completed)

	e.reopen(t)
	known := map[string]struct{}{}
	for _, u := range first.fetched() {
		known[u] = struct{}{}
	}

	second := fixedPage(itemLinks(10)...)
	res = e.newCrawler(cfg, second).Crawl(context.Background(), seedTarget)

	require.NotEmpty(t, second.fetched())
	for _, u := range second.fetched() {
		_, dup := known[u]
		assert.False(t, dup, "refetched %s", u)
	}
	assert.Equal(t, 5, res.Saved)
	assert.Len(t, e.blobs.Paths(".html"), 10)
}

func TestCrawlCompletedTargetIsTerminal(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	res := e.newCrawler(baseConfig(), fixedPage(itemLinks(2)...)).Crawl(context.Background(), seedTarget)
	require.True(t, res.Completed)

	e.reopen(t)
	again := fixedPage(itemLinks(2)...)
	res = e.newCrawler(baseConfig(), again).Crawl(context.Background(), seedTarget)

	assert.True(t, res.Skipped)
	assert.True(t, res.Completed)
	assert.Empty(t, again.fetched())
}

func TestCrawlNeverExceedsMaxDepth(t *testing.T) {
	t.Parallel()

	// Every page links one level deeper: /d1 -> /d2 -> ...
	f := &fakeFetcher{handler: func(url string) crawler.FetchResult {
		n := 0
		if i := strings.LastIndex(url, "/d"); i >= 0 {
			_, _ = fmt.Sscanf(url[i+2:], "%d", &n)
		}
		return crawler.Fetched(pageHTML(fmt.Sprintf("/d%d", n+1)), 1)
	}}

	e := newEnv(t)
	cfg := baseConfig()
	cfg.MaxDepth = 2
	res := e.newCrawler(cfg, f).Crawl(context.Background(), seedTarget)

	assert.True(t, res.Completed)
	assert.Equal(t, []string{root + "/", root + "/d1", root + "/d2"}, f.fetched())
}

func TestCrawlQualityGateMarksProcessedWithoutSaving(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{handler: func(url string) crawler.FetchResult {
		if url == root+"/" {
			return crawler.Fetched([]byte(`<html><body>tiny<a href="/item-0">item</a></body></html>`), 1)
		}
		return crawler.Fetched(pageHTML(), 1)
	}}

	e := newEnv(t)
	res := e.newCrawler(baseConfig(), f).Crawl(context.Background(), seedTarget)

	assert.True(t, res.Completed)
	assert.True(t, e.store.IsProcessed(root+"/"))
	assert.Len(t, e.blobs.Paths(".html"), 1)
	assert.Contains(t, f.fetched(), root+"/item-0")
}

func TestCrawlPaginationBudget(t *testing.T) {
	t.Parallel()

	links := make([]string, 0, 9)
	for i := 2; i <= 10; i++ {
		links = append(links, fmt.Sprintf("/list?page=%d", i))
	}
	e := newEnv(t)
	cfg := baseConfig()
	cfg.MaxPaginationPages = 3
	f := fixedPage(links...)

	res := e.newCrawler(cfg, f).Crawl(context.Background(), seedTarget)

	assert.True(t, res.Completed)
	assert.Len(t, f.fetched(), 4)
}

func TestCrawlPersistentPaginationBudgetSpansRuns(t *testing.T) {
	t.Parallel()

	links := make([]string, 0, 9)
	for i := 2; i <= 10; i++ {
		links = append(links, fmt.Sprintf("/list?page=%d", i))
	}
	e := newEnv(t)
	cfg := baseConfig()
	cfg.MaxPaginationPages = 3
	cfg.PaginationScope = config.PaginationScopePersistent

	_ = e.newCrawler(cfg, fixedPage(links...)).Crawl(context.Background(), seedTarget)
	progress, _ := e.store.Target("x")
	assert.Equal(t, 3, progress.PaginationUsed)
}

func TestCrawlPausesOnRunBytes(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	cfg := baseConfig()
	cfg.MaxRunBytes = 1
	res := e.newCrawler(cfg, fixedPage(itemLinks(5)...)).Crawl(context.Background(), seedTarget)

	assert.True(t, res.Paused())
	assert.False(t, res.Completed)
	assert.Equal(t, 1, res.Saved)
	progress, _ := e.store.Target("x")
	assert.Len(t, progress.Frontier, 5)
}

func TestCrawlCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := newEnv(t)
	f := fixedPage(itemLinks(2)...)

	res := e.newCrawler(baseConfig(), f).Crawl(ctx, seedTarget)

	assert.False(t, res.Completed)
	assert.Equal(t, StopCanceled, res.StopReason)
	assert.Empty(t, f.fetched())
}

type stubExtractor struct{}

func (stubExtractor) ExtractText(data []byte) (string, error) {
	return strings.Repeat("document body ", 10) + string(data), nil
}

func TestCrawlDownloadsDocuments(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{handler: func(url string) crawler.FetchResult {
		if strings.HasSuffix(url, ".pdf") {
			return crawler.Fetched([]byte("%PDF-1.4 "+url), 1)
		}
		return crawler.Fetched(pageHTML("/a.pdf", "/b.pdf"), 1)
	}}
	e := newEnv(t)
	cfg := baseConfig()
	cfg.MaxDepth = 0
	cfg.DocumentsEnabled = true
	cfg.MaxDocsPerSite = 1
	writer := content.NewWriter(e.blobs, "", nil)
	docs := documents.New(documents.Config{MaxSizeBytes: 1 << 20, MinTextLength: 10}, f, stubExtractor{}, writer, e.store, nil)

	res := New(cfg, f, e.store, writer, nil, WithDocuments(docs)).Crawl(context.Background(), seedTarget)

	assert.True(t, res.Completed)
	assert.Len(t, e.blobs.Paths(".pdf"), 1)
	progress, _ := e.store.Target("x")
	assert.Equal(t, 1, progress.DocsSaved)
	assert.NotContains(t, f.fetched(), root+"/b.pdf")
}

func TestCrawlAPIDiscovery(t *testing.T) {
	t.Parallel()

	apiBody := `{"items":[` + strings.Repeat(`{"id":1},`, 10) + `{"id":2}]}`
	f := &fakeFetcher{handler: func(url string) crawler.FetchResult {
		switch url {
		case root + "/robots.txt":
			return crawler.Fetched([]byte("User-agent: *\nAllow: /api/stats/v2\n"), 1)
		case root + "/api/stats/v2":
			return crawler.Fetched([]byte(apiBody), 1)
		}
		return crawler.Fetched(pageHTML(), 1)
	}}
	e := newEnv(t)
	cfg := baseConfig()
	cfg.APIDiscovery = true

	_ = e.newCrawler(cfg, f).Crawl(context.Background(), seedTarget)

	raw, ok := e.blobs.Get("api/x_api.json")
	require.True(t, ok)
	var rec APIDiscovery
	require.NoError(t, json.Unmarshal(raw, &rec))
	assert.Equal(t, root+"/api/stats/v2", rec.Endpoint)
	assert.Equal(t, apiBody, rec.Data)
	assert.NotContains(t, f.fetched(), root+"/api/")
}

func TestCrawlRecoversWorkerPanic(t *testing.T) {
	t.Parallel()

	bad := root + "/item-1"
	for _, workers := range []int{1, 4} {
		workers := workers
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			t.Parallel()

			body := pageHTML(itemLinks(3)...)
			f := &fakeFetcher{handler: func(url string) crawler.FetchResult {
				if url == bad {
					panic("boom inside fetch")
				}
				return crawler.Fetched(body, 1)
			}}
			e := newEnv(t)
			cfg := baseConfig()
			cfg.Workers = workers

			res := e.newCrawler(cfg, f).Crawl(context.Background(), seedTarget)

			assert.False(t, res.Completed)
			assert.Equal(t, StopPanic, res.StopReason)
			require.Error(t, res.Err)
			assert.Contains(t, res.Err.Error(), "boom inside fetch")
			assert.False(t, e.store.IsKnown(bad))

			e.reopen(t)
			progress, ok := e.store.Target("x")
			require.True(t, ok)
			assert.False(t, progress.Completed)
			assert.Contains(t, progress.Frontier, crawler.FrontierEntry{URL: bad, Depth: 1})
		})
	}
}

func TestCrawlMissingCredentialsStopsWithoutCompleting(t *testing.T) {
	t.Parallel()

	client := proxy.New(proxy.Config{Endpoint: "http://127.0.0.1:1", MaxAttempts: 1}, nil, nil)
	e := newEnv(t)

	res := e.newCrawler(baseConfig(), client).Crawl(context.Background(), seedTarget)

	assert.False(t, res.Completed)
	assert.Equal(t, StopConfig, res.StopReason)
	assert.ErrorIs(t, res.Err, crawler.ErrMissingCredentials)
	assert.Zero(t, res.Failed)

	e.reopen(t)
	assert.False(t, e.store.IsCompleted("x"))
	assert.Zero(t, e.store.Summary().Failed)
	progress, ok := e.store.Target("x")
	require.True(t, ok)
	require.Len(t, progress.Frontier, 1)
	assert.False(t, e.store.IsKnown(progress.Frontier[0].URL))
}

func TestCrawlPageCapWaitsForInFlightPages(t *testing.T) {
	t.Parallel()

	short := []byte("<html><body><p>tiny</p></body></html>")
	body := pageHTML(itemLinks(6)...)
	f := &fakeFetcher{handler: func(url string) crawler.FetchResult {
		for i := 0; i < 3; i++ {
			if url == fmt.Sprintf("%s/item-%d", root, i) {
				time.Sleep(20 * time.Millisecond)
				return crawler.Fetched(short, 1)
			}
		}
		return crawler.Fetched(body, 1)
	}}
	e := newEnv(t)
	cfg := baseConfig()
	cfg.MaxPagesPerSite = 2
	cfg.Workers = 4

	res := e.newCrawler(cfg, f).Crawl(context.Background(), seedTarget)

	assert.Equal(t, 2, res.Saved)
	assert.Equal(t, StopPageCap, res.StopReason)
	assert.False(t, res.Completed)
	assert.Len(t, e.blobs.Paths(".html"), 2)
}

func TestCrawlTransientTargetsSkipStateFlushes(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	cfg := baseConfig()
	cfg.MaxDepth = 0
	f := fixedPage()

	res := e.newCrawler(cfg, f, WithTransientTargets()).Crawl(context.Background(), seedTarget)

	assert.True(t, res.Completed)
	assert.Equal(t, 1, res.Saved)
	_, err := os.Stat(e.statePath)
	assert.True(t, os.IsNotExist(err))
	_, ok := e.store.Target("x")
	assert.False(t, ok)
	assert.Equal(t, 1, e.store.Summary().Processed)
}
