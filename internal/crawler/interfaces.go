package crawler

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrObjectExists is returned by a BlobStore asked to overwrite an object.
var ErrObjectExists = errors.New("object already exists")

// ErrMissingCredentials is returned when the fetch API has no credentials configured.
var ErrMissingCredentials = errors.New("fetch api credentials are not configured")

// Fetcher retrieves a URL and never returns a nil outcome.
type Fetcher interface {
	Fetch(ctx context.Context, url string) FetchResult
}

// BlobStore writes immutable artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// TextExtractor turns a binary document into plain text.
type TextExtractor interface {
	ExtractText(content []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
