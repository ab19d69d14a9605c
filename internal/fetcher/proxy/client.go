// Package proxy implements crawler.Fetcher on top of a scrape-proxy HTTP API.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/metrics"
)

const maxResponseBytes = 64 << 20

var (
	errNoResults    = errors.New("proxy returned no results")
	errEmptyContent = errors.New("proxy returned empty content")
)

// Config controls the proxy client.
type Config struct {
	Endpoint    string
	Username    string
	Password    string
	Source      string
	RenderJS    bool
	WaitMS      int
	Timeout     time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	UserAgent   string
}

// Limiter paces outgoing requests.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Client fetches pages through the proxy API with retries and backoff.
type Client struct {
	cfg        Config
	httpClient *http.Client
	retry      *crawler.ExponentialRetryPolicy
	limiter    Limiter
	logger     *zap.Logger
}

type queryRequest struct {
	Source   string `json:"source"`
	URL      string `json:"url"`
	Parse    bool   `json:"parse"`
	RenderJS bool   `json:"render_js"`
	Wait     int    `json:"wait"`
}

type queryResponse struct {
	Results []struct {
		Content    string `json:"content"`
		StatusCode int    `json:"status_code"`
	} `json:"results"`
}

// New builds a Client. limiter may be nil.
func New(cfg Config, limiter Limiter, logger *zap.Logger) *Client {
	if cfg.Source == "" {
		cfg.Source = "universal"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Transport: newHTTPTransport()},
		retry:      crawler.NewExponentialRetryPolicy(cfg.MaxAttempts, cfg.BackoffBase, cfg.BackoffMax),
		limiter:    limiter,
		logger:     logger,
	}
}

// WithHTTPClient swaps the underlying HTTP client.
func (c *Client) WithHTTPClient(httpClient *http.Client) *Client {
	if httpClient != nil {
		c.httpClient = httpClient
	}
	return c
}

// WithRendering returns a copy that requests the given rendering options and
// shares the transport, limiter and retry policy.
func (c *Client) WithRendering(renderJS bool, waitMS int) *Client {
	cp := *c
	cp.cfg.RenderJS = renderJS
	cp.cfg.WaitMS = waitMS
	return &cp
}

// Fetch retrieves url, retrying transient failures. It never returns a nil
// outcome: exhausted retries produce a FetchStatusFailed result.
func (c *Client) Fetch(ctx context.Context, url string) crawler.FetchResult {
	start := time.Now()
	if c.cfg.Username == "" || c.cfg.Password == "" {
		c.logger.Error("fetch api credentials missing", zap.String("url", url))
		metrics.ObserveFetch(string(crawler.FetchStatusFailed), 0, 0)
		return crawler.FailedWith(crawler.ErrMissingCredentials, 0)
	}

	for attempt := 1; ; attempt++ {
		content, err := c.attempt(ctx, url)
		if err == nil {
			result := crawler.Fetched(content, attempt)
			result.Duration = time.Since(start)
			metrics.ObserveFetch(string(result.Status), attempt, result.Duration)
			return result
		}

		c.logger.Warn("fetch attempt failed",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if !c.retry.ShouldRetry(err, attempt) {
			return c.failed(url, err, attempt, start)
		}
		if perr := crawler.Pause(ctx, c.retry.Backoff(attempt)); perr != nil {
			return c.failed(url, perr, attempt, start)
		}
	}
}

func (c *Client) failed(url string, err error, attempts int, start time.Time) crawler.FetchResult {
	result := crawler.Failed(err.Error(), attempts)
	result.Duration = time.Since(start)
	metrics.ObserveFetch(string(result.Status), attempts, result.Duration)
	c.logger.Info("fetch gave up",
		zap.String("url", url),
		zap.Int("attempts", attempts),
		zap.String("reason", result.Reason),
	)
	return result
}

func (c *Client) attempt(ctx context.Context, url string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, url); err != nil {
			return nil, err
		}
	}

	body, err := json.Marshal(queryRequest{
		Source:   c.cfg.Source,
		URL:      url,
		Parse:    false,
		RenderJS: c.cfg.RenderJS,
		Wait:     c.cfg.WaitMS,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// The caller's context takes precedence over the per-attempt timeout.
		if ctx.Err() != nil {
			return nil, fmt.Errorf("proxy request: %w", ctx.Err())
		}
		return nil, fmt.Errorf("proxy request: %v", err) //nolint:errorlint // per-attempt timeouts must stay retryable
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("proxy status %d", resp.StatusCode)
	}

	var decoded queryResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode proxy response: %w", err)
	}
	if len(decoded.Results) == 0 {
		return nil, errNoResults
	}
	first := decoded.Results[0]
	if first.StatusCode != 0 && (first.StatusCode < 200 || first.StatusCode > 299) {
		return nil, fmt.Errorf("target status %d", first.StatusCode)
	}
	if first.Content == "" {
		return nil, errEmptyContent
	}
	return []byte(first.Content), nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
