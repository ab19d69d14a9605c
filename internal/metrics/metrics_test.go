package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	if fetchTotal == nil || pagesSavedTotal == nil || documentsTotal == nil {
		t.Fatal("Init() did not initialize collectors")
	}
}

func TestObserveHelpers(t *testing.T) {
	Init()
	before := testutil.ToFloat64(pagesSavedTotal.WithLabelValues("metrics.example"))
	ObservePageSaved("https://metrics.example/a", 128)
	if got := testutil.ToFloat64(pagesSavedTotal.WithLabelValues("metrics.example")); got != before+1 {
		t.Fatalf("expected pages saved to increase by 1, got %f -> %f", before, got)
	}

	ObserveFetch("fetched", 2, 10*time.Millisecond)
	if got := testutil.ToFloat64(fetchTotal.WithLabelValues("fetched")); got < 1 {
		t.Fatalf("expected fetch counter to be recorded, got %f", got)
	}

	SetFrontierDepth("acme", 7)
	if got := testutil.ToFloat64(frontierDepth.WithLabelValues("acme")); got != 7 {
		t.Fatalf("expected frontier depth 7, got %f", got)
	}
}

func TestMiddleware(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/probe", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/probe", nil))

	if rec.Code != http.StatusTeapot {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "418")); got < 1 {
		t.Fatalf("expected request to be counted, got %f", got)
	}
}
