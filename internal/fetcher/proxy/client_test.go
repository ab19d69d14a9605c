package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/crawler"
)

func testConfig(endpoint string) Config {
	return Config{
		Endpoint:    endpoint,
		Username:    "user",
		Password:    "pass",
		RenderJS:    true,
		WaitMS:      5000,
		Timeout:     2 * time.Second,
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
	}
}

func writeResult(t *testing.T, w http.ResponseWriter, content string) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(map[string]any{
		"results": []map[string]any{{"content": content, "status_code": 200}},
	})
	require.NoError(t, err)
}

func TestClientFetchSendsQuery(t *testing.T) {
	t.Parallel()

	var got queryRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "user", user)
		assert.Equal(t, "pass", pass)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeResult(t, w, "<html>ok</html>")
	}))
	defer srv.Close()

	client := New(testConfig(srv.URL), nil, zap.NewNop())
	result := client.Fetch(context.Background(), "https://example.com/")

	require.True(t, result.OK())
	assert.Equal(t, "<html>ok</html>", string(result.Content))
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, "universal", got.Source)
	assert.Equal(t, "https://example.com/", got.URL)
	assert.False(t, got.Parse)
	assert.True(t, got.RenderJS)
	assert.Equal(t, 5000, got.Wait)
}

func TestClientFetchRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusBadGateway)
		case 2:
			writeResult(t, w, "")
		default:
			writeResult(t, w, "<html>third time</html>")
		}
	}))
	defer srv.Close()

	client := New(testConfig(srv.URL), nil, zap.NewNop())
	result := client.Fetch(context.Background(), "https://example.com/")

	require.True(t, result.OK())
	assert.Equal(t, 3, result.Attempts)
	assert.EqualValues(t, 3, calls.Load())
}

func TestClientFetchExhaustsRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[]}`))
	}))
	defer srv.Close()

	client := New(testConfig(srv.URL), nil, zap.NewNop())
	result := client.Fetch(context.Background(), "https://example.com/missing")

	assert.False(t, result.OK())
	assert.Equal(t, crawler.FetchStatusFailed, result.Status)
	assert.Equal(t, 3, result.Attempts)
	assert.Contains(t, result.Reason, "no results")
	assert.EqualValues(t, 3, calls.Load())
}

func TestClientFetchTargetStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"results":[{"content":"gone","status_code":404}]}`))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxAttempts = 1
	result := New(cfg, nil, zap.NewNop()).Fetch(context.Background(), "https://example.com/404")

	assert.False(t, result.OK())
	assert.Contains(t, result.Reason, "404")
}

func TestClientFetchMissingCredentials(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Password = ""
	result := New(cfg, nil, zap.NewNop()).Fetch(context.Background(), "https://example.com/")

	assert.False(t, result.OK())
	assert.Equal(t, 0, result.Attempts)
	assert.ErrorIs(t, result.Err, crawler.ErrMissingCredentials)
	assert.EqualValues(t, 0, calls.Load())
}

func TestClientFetchCanceled(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxAttempts = 10
	cfg.BackoffBase = time.Minute
	cfg.BackoffMax = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	result := New(cfg, nil, zap.NewNop()).Fetch(ctx, "https://example.com/")

	assert.False(t, result.OK())
	assert.Equal(t, 1, result.Attempts)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestWithRenderingCopies(t *testing.T) {
	t.Parallel()

	base := New(testConfig("http://unused"), nil, zap.NewNop())
	docs := base.WithRendering(false, 0)

	assert.True(t, base.cfg.RenderJS)
	assert.False(t, docs.cfg.RenderJS)
	assert.Same(t, base.httpClient, docs.httpClient)
}
