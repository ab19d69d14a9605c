package worker

import (
	"context"
	"errors"
	"net/url"
	"regexp"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/crawler"
)

const minAPIResponseBytes = 50

var (
	robotsAPIPattern = regexp.MustCompile(`/api/[\w\-/]+`)
	commonAPIPaths   = []string{"/api/", "/api/v1/", "/api/public/", "/data/", "/openapi/"}
)

// APIDiscovery is the record written when a target exposes a public API.
type APIDiscovery struct {
	Target    string `json:"target"`
	BaseURL   string `json:"base_url"`
	Endpoint  string `json:"endpoint"`
	Data      string `json:"data"`
	Timestamp string `json:"timestamp"`
}

// discoverAPIs probes robots.txt-advertised and common API paths and stores
// the first endpoint that answers with a non-trivial body.
func (c *Crawler) discoverAPIs(ctx context.Context, target crawler.Target) {
	base, err := url.Parse(target.URL)
	if err != nil || !crawler.IsHTTP(base) {
		return
	}
	logger := c.logger.With(zap.String("target", target.Name))

	var candidates []string
	if res := c.fetcher.Fetch(ctx, resolve(base, "/robots.txt")); res.OK() {
		candidates = append(candidates, robotsAPIPattern.FindAllString(string(res.Content), -1)...)
	}
	candidates = append(candidates, commonAPIPaths...)

	seen := make(map[string]struct{}, len(candidates))
	for _, candidate := range candidates {
		endpoint := resolve(base, candidate)
		if _, dup := seen[endpoint]; dup {
			continue
		}
		seen[endpoint] = struct{}{}
		if ctx.Err() != nil {
			return
		}
		res := c.fetcher.Fetch(ctx, endpoint)
		if !res.OK() || len(res.Content) <= minAPIResponseBytes {
			continue
		}
		logger.Info("detected possible public api", zap.String("url", endpoint))
		c.saveDiscovery(ctx, APIDiscovery{
			Target:    target.Name,
			BaseURL:   base.Scheme + "://" + base.Host,
			Endpoint:  endpoint,
			Data:      string(res.Content),
			Timestamp: c.clock.Now().Format("2006-01-02T15:04:05Z07:00"),
		}, logger)
		return
	}
}

func (c *Crawler) saveDiscovery(ctx context.Context, rec APIDiscovery, logger *zap.Logger) {
	name := "api/" + crawler.SafeName(rec.Target) + "_api.json"
	_, n, err := c.writer.SaveJSON(ctx, name, rec)
	if err != nil {
		if errors.Is(err, crawler.ErrObjectExists) {
			logger.Debug("api discovery already stored", zap.String("path", name))
			return
		}
		logger.Warn("save api discovery", zap.Error(err))
		return
	}
	c.state.AddBytes(n)
}

func resolve(base *url.URL, ref string) string {
	u, err := base.Parse(ref)
	if err != nil {
		return ""
	}
	return u.String()
}
