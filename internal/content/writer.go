// Package content writes saved pages, documents, media and discovery results
// to a BlobStore using the {target}_{urlhash}_{timestamp} naming scheme.
package content

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/JakeFAU/harvester/internal/crawler"
)

// Page is a fetched page that passed the quality gate.
type Page struct {
	Target     string
	URL        string
	Depth      int
	HTML       []byte
	Text       string
	Language   string
	MediaURLs  []string
	MediaPaths []string
}

// Document is a downloaded document with its extracted text.
type Document struct {
	Target      string
	URL         string
	Content     []byte
	Text        string
	ContentHash string
}

// Saved describes what a save call wrote.
type Saved struct {
	Stem string
	// Paths are object keys relative to the store root, raw content first.
	Paths []string
	URIs  []string
	Bytes int64
}

// Writer persists content through a BlobStore.
type Writer struct {
	store  crawler.BlobStore
	prefix string
	clock  crawler.Clock
}

// NewWriter builds a Writer. prefix is prepended to every object key.
func NewWriter(store crawler.BlobStore, prefix string, clock crawler.Clock) *Writer {
	if clock == nil {
		clock = crawler.SystemClock{}
	}
	return &Writer{store: store, prefix: strings.Trim(prefix, "/"), clock: clock}
}

// SavePage writes the html, txt and json triple for a page. On error, Saved
// still reports the bytes of the files that were written.
func (w *Writer) SavePage(ctx context.Context, p Page) (Saved, error) {
	now := w.clock.Now()
	stem := crawler.FileStem(p.Target, p.URL, now)
	dir := w.key(crawler.SafeName(p.Target))
	mediaURLs := nonNil(p.MediaURLs)
	mediaPaths := nonNil(p.MediaPaths)

	meta := crawler.PageMetadata{
		URL:             p.URL,
		Target:          p.Target,
		Timestamp:       now.Format("2006-01-02T15:04:05Z07:00"),
		Depth:           p.Depth,
		Language:        p.Language,
		MediaURLs:       mediaURLs,
		MediaLocalPaths: mediaPaths,
		TextLength:      len(p.Text),
		HTMLLength:      len(p.HTML),
	}
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return Saved{Stem: stem}, fmt.Errorf("encode page metadata: %w", err)
	}

	saved := Saved{Stem: stem}
	files := []object{
		{key: path.Join(dir, stem+".html"), contentType: "text/html; charset=utf-8", data: p.HTML},
		{key: path.Join(dir, stem+".txt"), contentType: "text/plain; charset=utf-8", data: []byte(p.Text)},
		{key: path.Join(dir, stem+".json"), contentType: "application/json", data: metaBytes},
	}
	return w.putAll(ctx, saved, files)
}

// SaveDocument writes the raw document plus its _doc.txt and _doc.json sidecars.
func (w *Writer) SaveDocument(ctx context.Context, d Document) (Saved, error) {
	now := w.clock.Now()
	stem := crawler.FileStem(d.Target, d.URL, now)
	target := crawler.SafeName(d.Target)
	rawKey := path.Join(w.key("documents"), target, stem+documentExt(d.URL))
	dir := w.key(target)

	meta := crawler.DocumentMetadata{
		URL:               d.URL,
		Target:            d.Target,
		Timestamp:         now.Format("2006-01-02T15:04:05Z07:00"),
		DocumentLocalPath: rawKey,
		TextLength:        len(d.Text),
		SizeBytes:         len(d.Content),
		ContentHash:       d.ContentHash,
	}
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return Saved{Stem: stem}, fmt.Errorf("encode document metadata: %w", err)
	}

	files := []object{
		{key: rawKey, contentType: "application/pdf", data: d.Content},
		{key: path.Join(dir, stem+"_doc.txt"), contentType: "text/plain; charset=utf-8", data: []byte(d.Text)},
		{key: path.Join(dir, stem+"_doc.json"), contentType: "application/json", data: metaBytes},
	}
	return w.putAll(ctx, Saved{Stem: stem}, files)
}

// SaveMedia writes a media file keyed by its URL hash. A file already stored
// for the same URL is reused and reports zero bytes.
func (w *Writer) SaveMedia(ctx context.Context, target, mediaURL string, data []byte) (string, int64, error) {
	key := path.Join(w.key("media"), crawler.SafeName(target), crawler.URLHash(mediaURL)[:8]+documentExt(mediaURL))
	if _, err := w.store.PutObject(ctx, key, "", bytes.NewReader(data)); err != nil {
		if errors.Is(err, crawler.ErrObjectExists) {
			return key, 0, nil
		}
		return "", 0, fmt.Errorf("save media: %w", err)
	}
	return key, int64(len(data)), nil
}

// SaveJSON writes v as indented JSON under name, relative to the prefix.
func (w *Writer) SaveJSON(ctx context.Context, name string, v any) (string, int64, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", 0, fmt.Errorf("encode %s: %w", name, err)
	}
	key := w.key(name)
	if _, err := w.store.PutObject(ctx, key, "application/json", bytes.NewReader(data)); err != nil {
		return "", 0, fmt.Errorf("save %s: %w", name, err)
	}
	return key, int64(len(data)), nil
}

type object struct {
	key         string
	contentType string
	data        []byte
}

func (w *Writer) putAll(ctx context.Context, saved Saved, files []object) (Saved, error) {
	for _, f := range files {
		uri, err := w.store.PutObject(ctx, f.key, f.contentType, bytes.NewReader(f.data))
		if err != nil {
			return saved, fmt.Errorf("put %s: %w", f.key, err)
		}
		saved.Paths = append(saved.Paths, f.key)
		saved.URIs = append(saved.URIs, uri)
		saved.Bytes += int64(len(f.data))
	}
	return saved, nil
}

func (w *Writer) key(name string) string {
	if w.prefix == "" {
		return name
	}
	return path.Join(w.prefix, name)
}

func documentExt(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ".bin"
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if ext == "" || len(ext) > 6 {
		return ".bin"
	}
	return ext
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
