package crawler

import "time"

// Target is a named seed URL loaded from the targets file.
type Target struct {
	Name string `yaml:"name" json:"name"`
	URL  string `yaml:"url" json:"url"`
	Type string `yaml:"type,omitempty" json:"type,omitempty"`
}

// FrontierEntry is a discovered URL waiting to be fetched.
type FrontierEntry struct {
	URL   string `json:"url"`
	Depth int    `json:"depth"`
}

// FetchStatus enumerates fetch outcomes.
type FetchStatus string

const (
	// FetchStatusFetched marks a result carrying content.
	FetchStatusFetched FetchStatus = "fetched"
	// FetchStatusFailed marks a result that exhausted its attempts.
	FetchStatusFailed FetchStatus = "failed"
)

// FetchResult is the tagged outcome of a fetch. Content is only meaningful
// when Status is FetchStatusFetched; Reason is only set on failure.
type FetchResult struct {
	Status   FetchStatus
	Content  []byte
	Reason   string
	Attempts int
	Duration time.Duration
	// Err is the cause of a failure when one is known, e.g. ErrMissingCredentials.
	Err error
}

// Fetched builds a successful result.
func Fetched(content []byte, attempts int) FetchResult {
	return FetchResult{Status: FetchStatusFetched, Content: content, Attempts: attempts}
}

// Failed builds a failed result.
func Failed(reason string, attempts int) FetchResult {
	return FetchResult{Status: FetchStatusFailed, Reason: reason, Attempts: attempts}
}

// FailedWith builds a failed result carrying err as its cause.
func FailedWith(err error, attempts int) FetchResult {
	return FetchResult{Status: FetchStatusFailed, Reason: err.Error(), Attempts: attempts, Err: err}
}

// OK reports whether the result carries content.
func (r FetchResult) OK() bool {
	return r.Status == FetchStatusFetched
}

// PageMetadata is the JSON sidecar written next to every saved page.
type PageMetadata struct {
	URL             string   `json:"url"`
	Target          string   `json:"target"`
	Timestamp       string   `json:"timestamp"`
	Depth           int      `json:"depth"`
	Language        string   `json:"language,omitempty"`
	MediaURLs       []string `json:"media_urls"`
	MediaLocalPaths []string `json:"media_local_paths"`
	TextLength      int      `json:"text_length"`
	HTMLLength      int      `json:"html_length"`
}

// DocumentMetadata is the JSON sidecar written next to every saved document.
type DocumentMetadata struct {
	URL               string `json:"url"`
	Target            string `json:"target"`
	Timestamp         string `json:"timestamp"`
	DocumentLocalPath string `json:"document_local_path"`
	TextLength        int    `json:"text_length"`
	SizeBytes         int    `json:"size_bytes"`
	ContentHash       string `json:"content_hash"`
}

// DocumentSaved is published after a document has been persisted.
type DocumentSaved struct {
	Target      string    `json:"target"`
	URL         string    `json:"url"`
	Path        string    `json:"path"`
	ContentHash string    `json:"content_hash"`
	SizeBytes   int       `json:"size_bytes"`
	Timestamp   time.Time `json:"timestamp"`
}
