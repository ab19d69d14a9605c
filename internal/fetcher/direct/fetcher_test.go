package direct

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetcherFetch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/report.pdf":
			w.Header().Set("Content-Type", "application/pdf")
			_, _ = w.Write([]byte("%PDF-1.4 body"))
		case "/big.pdf":
			_, _ = w.Write([]byte(strings.Repeat("x", 4096)))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := New(Config{Timeout: 2 * time.Second, MaxBodySize: 1024})

	t.Run("ok", func(t *testing.T) {
		result := f.Fetch(context.Background(), srv.URL+"/report.pdf")
		require.True(t, result.OK(), result.Reason)
		assert.Equal(t, "%PDF-1.4 body", string(result.Content))
	})

	t.Run("refetch same url", func(t *testing.T) {
		result := f.Fetch(context.Background(), srv.URL+"/report.pdf")
		require.True(t, result.OK(), result.Reason)
	})

	t.Run("truncated at max body size", func(t *testing.T) {
		result := f.Fetch(context.Background(), srv.URL+"/big.pdf")
		require.True(t, result.OK(), result.Reason)
		assert.Len(t, result.Content, 1024)
	})

	t.Run("not found", func(t *testing.T) {
		result := f.Fetch(context.Background(), srv.URL+"/missing.pdf")
		assert.False(t, result.OK())
		assert.Contains(t, result.Reason, "404")
	})
}
