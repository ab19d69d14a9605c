// Package extract turns fetched HTML into text, prioritized outbound links,
// document links and media URLs, and extracts text from PDF documents.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"path"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"github.com/abadojack/whatlanggo"

	"github.com/JakeFAU/harvester/internal/crawler"
)

var (
	paginationTokens = []string{"next", "more", "older", "page", ">>", "›", "»"}
	highValueTokens  = []string{
		"blog", "news", "article", "story", "press", "media", "research", "report",
		"publication", "publications", "dataset", "data", "archive", "journals", "papers", "docs",
	}
	skipPatterns = []string{
		"/login", "/signin", "/cart", "/checkout", "/account", "/privacy", "/terms", "/subscribe",
		"?q=", "?s=", "?search=", "#comment",
	}
)

// Options controls link filtering.
type Options struct {
	// SeedURL anchors the same-domain check.
	SeedURL            string
	SameDomainOnly     bool
	DocumentExtensions []string
	CollectMedia       bool
}

// Link is a normalized outbound candidate.
type Link struct {
	URL  string
	Text string
	// Pagination links consume the pagination budget.
	Pagination bool
	// Priority links are moved to the front of the list.
	Priority bool
}

// Page is everything extracted from one HTML document.
type Page struct {
	Text      string
	Language  string
	Links     []Link
	Documents []string
	Media     []string
}

// ParseHTML extracts text, links, documents and media from raw HTML fetched from pageURL.
func ParseHTML(raw []byte, pageURL string, opts Options) (Page, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return Page{}, fmt.Errorf("parse page url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return Page{}, fmt.Errorf("parse html: %w", err)
	}

	var page Page
	page.Links, page.Documents = collectLinks(doc, base, opts)
	if opts.CollectMedia {
		page.Media = collectMedia(doc, base)
	}
	page.Text = documentText(doc)
	page.Language = DetectLanguage(page.Text)
	return page, nil
}

// IsDocument reports whether the URL path ends in one of the extensions.
func IsDocument(rawURL string, extensions []string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if ext == "" {
		return false
	}
	for _, allowed := range extensions {
		if strings.EqualFold(ext, allowed) {
			return true
		}
	}
	return false
}

// DetectLanguage returns the ISO 639-3 code of the text's language, using at
// most the first hundred words.
func DetectLanguage(text string) string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return ""
	}
	if len(words) > 100 {
		words = words[:100]
	}
	info := whatlanggo.Detect(strings.Join(words, " "))
	return info.Lang.Iso6393()
}

func documentText(doc *goquery.Document) string {
	doc.Find("script, style, noscript").Remove()
	return strings.Join(strings.Fields(doc.Text()), " ")
}

func collectLinks(doc *goquery.Document, base *url.URL, opts Options) ([]Link, []string) {
	seen := make(map[string]struct{})
	var (
		priority []Link
		regular  []Link
		docs     []string
	)
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		resolved, err := base.Parse(href)
		if err != nil || !crawler.IsHTTP(resolved) {
			return
		}
		lowered := strings.ToLower(resolved.String())
		normalized := crawler.NormalizeURL(resolved.String())
		if _, dup := seen[normalized]; dup {
			return
		}

		if len(opts.DocumentExtensions) > 0 && IsDocument(normalized, opts.DocumentExtensions) {
			seen[normalized] = struct{}{}
			docs = append(docs, normalized)
			return
		}
		if shouldSkip(lowered) {
			return
		}
		if opts.SameDomainOnly && !crawler.SameHost(normalized, opts.SeedURL) {
			return
		}
		seen[normalized] = struct{}{}

		text := strings.Join(strings.Fields(s.Text()), " ")
		link := Link{
			URL:        normalized,
			Text:       text,
			Pagination: isPagination(lowered),
		}
		link.Priority = isPriority(strings.ToLower(text), strings.ToLower(resolved.RequestURI()))
		if link.Priority {
			priority = append(priority, link)
			return
		}
		regular = append(regular, link)
	})
	return append(priority, regular...), docs
}

func collectMedia(doc *goquery.Document, base *url.URL) []string {
	seen := make(map[string]struct{})
	var media []string
	doc.Find("img[src], video[src], audio[src], source[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		src = strings.TrimSpace(src)
		if src == "" || strings.HasPrefix(src, "data:") {
			return
		}
		resolved, err := base.Parse(src)
		if err != nil || !crawler.IsHTTP(resolved) {
			return
		}
		normalized := crawler.NormalizeURL(resolved.String())
		if _, dup := seen[normalized]; dup {
			return
		}
		seen[normalized] = struct{}{}
		media = append(media, normalized)
	})
	return media
}

func shouldSkip(loweredURL string) bool {
	for _, pattern := range skipPatterns {
		if strings.Contains(loweredURL, pattern) {
			return true
		}
	}
	return false
}

// isPagination matches page=N query strings and /page/N paths.
func isPagination(loweredURL string) bool {
	return strings.Contains(loweredURL, "page=") || strings.Contains(loweredURL, "/page/")
}

// isPriority matches tokens in the anchor text and in the path and query,
// never in the host.
func isPriority(loweredText, loweredURI string) bool {
	if isPagination(loweredURI) || isPageNumber(loweredText) {
		return true
	}
	for _, token := range paginationTokens {
		if strings.Contains(loweredText, token) {
			return true
		}
	}
	for _, token := range highValueTokens {
		if strings.Contains(loweredText, token) || strings.Contains(loweredURI, token) {
			return true
		}
	}
	return false
}

func isPageNumber(text string) bool {
	if text == "" || len(text) > 4 {
		return false
	}
	for _, r := range text {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
