// Package expander synthesizes extra candidate URLs per seed target, shards
// the expanded targets across processes and drives a resumable high-volume
// pass over one shard.
package expander

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/harvester/internal/crawler"
)

// TargetType tags single-URL targets produced from an expanded target.
const TargetType = "expanded_target"

var (
	categoryPaths = []string{
		"/about", "/news", "/contact", "/sitemap", "/privacy", "/terms", "/help", "/support", "/faq",
		"/resources", "/tools", "/data", "/blog", "/articles", "/press", "/media", "/events", "/webinars",
		"/training", "/documentation", "/api", "/developers", "/partners", "/careers", "/investors",
		"/analytics", "/insights", "/reports",
	}
	searchTerms = []string{
		"health", "finance", "research", "news", "data", "analysis", "technology", "innovation",
		"development", "growth", "investment", "market", "industry", "trends", "insights", "reports",
		"studies", "publications", "papers", "articles", "blogs", "updates",
	}
	pathVariations = []string{
		"about", "contact", "privacy", "terms", "sitemap", "help", "support", "faq", "resources", "tools",
		"data", "api", "docs", "blog", "news", "press", "media", "events", "webinars", "training",
		"documentation", "developers", "partners", "careers", "investors",
	}
	topicNames = []string{"news", "research", "insights", "analysis", "reports", "data"}
)

const (
	firstPaginationGuess = 2
	lastPaginationGuess  = 50
	archiveYears         = 5
)

// ExpandedTarget is a seed target with its generated URL list.
type ExpandedTarget struct {
	Name        string   `json:"name"`
	OriginalURL string   `json:"original_url"`
	Domain      string   `json:"domain"`
	URLs        []string `json:"urls"`
}

// Targets turns every URL into a single-URL crawl target.
func (e ExpandedTarget) Targets() []crawler.Target {
	out := make([]crawler.Target, len(e.URLs))
	for i, u := range e.URLs {
		out[i] = SingleTarget(e.Name, i, u)
	}
	return out
}

// SingleTarget names URL i of the expanded target name.
func SingleTarget(name string, i int, rawURL string) crawler.Target {
	return crawler.Target{Name: fmt.Sprintf("expanded_%s_%d", name, i), URL: rawURL, Type: TargetType}
}

// Generate returns baseURL followed by every synthesized candidate, in
// strategy order. It performs no I/O and does not deduplicate.
func Generate(baseURL string, now time.Time) []string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return []string{baseURL}
	}
	origin := u.Scheme + "://" + u.Host
	base := strings.TrimRight(baseURL, "/")

	out := make([]string, 0, 512)
	out = append(out, baseURL)
	for _, p := range categoryPaths {
		out = append(out, origin+p)
	}
	for i := firstPaginationGuess; i <= lastPaginationGuess; i++ {
		out = append(out,
			fmt.Sprintf("%s?page=%d", base, i),
			fmt.Sprintf("%s/page/%d", base, i),
			fmt.Sprintf("%s/p/%d", base, i),
		)
	}
	for _, term := range searchTerms {
		out = append(out, base+"?search="+term, base+"/search?q="+term, base+"/search/"+term)
	}
	for _, v := range pathVariations {
		out = append(out, base+"/"+v, base+"/en/"+v, base+"/us/"+v)
	}
	year := now.Year()
	for y := year - archiveYears; y <= year; y++ {
		out = append(out,
			fmt.Sprintf("%s/%d", base, y),
			fmt.Sprintf("%s/archive/%d", base, y),
			fmt.Sprintf("%s/news/%d", base, y),
		)
	}
	for _, c := range topicNames {
		out = append(out, base+"/category/"+c, base+"/topics/"+c)
	}
	return out
}

// Expand builds one ExpandedTarget per seed with at most maxPerTarget URLs.
// Seeds without a URL are skipped.
func Expand(seeds []crawler.Target, maxPerTarget int, now time.Time) []ExpandedTarget {
	out := make([]ExpandedTarget, 0, len(seeds))
	for _, seed := range seeds {
		if strings.TrimSpace(seed.URL) == "" {
			continue
		}
		urls := Generate(seed.URL, now)
		if maxPerTarget > 0 && len(urls) > maxPerTarget {
			urls = urls[:maxPerTarget]
		}
		name := seed.Name
		if name == "" {
			name = "target"
		}
		out = append(out, ExpandedTarget{
			Name:        name,
			OriginalURL: seed.URL,
			Domain:      crawler.Host(seed.URL),
			URLs:        urls,
		})
	}
	return out
}

// Shard returns the round-robin slice owned by shardID: elements whose index
// modulo numShards equals shardID.
func Shard[T any](items []T, numShards, shardID int) []T {
	if numShards <= 1 {
		return items
	}
	out := make([]T, 0, len(items)/numShards+1)
	for i := shardID; i < len(items); i += numShards {
		out = append(out, items[i])
	}
	return out
}

// ValidateShard checks the shard coordinates.
func ValidateShard(numShards, shardID int) error {
	if numShards < 1 {
		return fmt.Errorf("num shards must be >= 1, got %d", numShards)
	}
	if shardID < 0 || shardID >= numShards {
		return fmt.Errorf("shard id must be in [0, %d), got %d", numShards, shardID)
	}
	return nil
}

// Estimate is the size and expected runtime of a shard.
type Estimate struct {
	Targets  int
	URLs     int
	Duration time.Duration
}

// EstimateRun sizes targets assuming perURL per request.
func EstimateRun(targets []ExpandedTarget, perURL time.Duration) Estimate {
	est := Estimate{Targets: len(targets)}
	for _, t := range targets {
		est.URLs += len(t.URLs)
	}
	est.Duration = time.Duration(est.URLs) * perURL
	return est
}
