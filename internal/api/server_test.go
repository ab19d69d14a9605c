package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/state"
)

type fakeStatus struct {
	summary state.Summary
	panics  bool
}

func (f *fakeStatus) Summary() state.Summary {
	if f.panics {
		panic("boom")
	}
	return f.summary
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	server := NewServer(&fakeStatus{}, zap.NewNop())
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_StatusReturnsSummary(t *testing.T) {
	t.Parallel()

	src := &fakeStatus{summary: state.Summary{
		Processed:     4,
		Failed:        1,
		TotalDataSize: 2048,
		Targets: map[string]state.TargetProgress{
			"alpha": {Scraped: 3, Completed: true},
		},
		RunID: "run-1",
	}}
	server := NewServer(src, nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var got state.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 4, got.Processed)
	assert.Equal(t, 1, got.Failed)
	assert.Equal(t, int64(2048), got.TotalDataSize)
	assert.Equal(t, "run-1", got.RunID)
	assert.True(t, got.Targets["alpha"].Completed)
}

func TestServer_StatusWithoutSource(t *testing.T) {
	t.Parallel()

	server := NewServer(nil, nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_RecoversPanics(t *testing.T) {
	t.Parallel()

	server := NewServer(&fakeStatus{panics: true}, nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal server error")
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	server := NewServer(&fakeStatus{}, nil)
	warm := httptest.NewRecorder()
	server.Handler().ServeHTTP(warm, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "harvester_")
}

func TestServer_RequestIDPassthrough(t *testing.T) {
	t.Parallel()

	server := NewServer(&fakeStatus{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestServer_ServeStopsOnCancel(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	server := NewServer(&fakeStatus{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx, addr) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
