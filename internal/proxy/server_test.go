package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/filewarden/filewarden/internal/auth"
	"github.com/filewarden/filewarden/internal/blockstore"
	"github.com/filewarden/filewarden/internal/ratelimit"
	"github.com/filewarden/filewarden/internal/session"
	"github.com/filewarden/filewarden/internal/templates"
)

func newTestServer(t *testing.T, upstreamURL string, limiters []*ratelimit.Limiter) *Server {
	t.Helper()

	store, err := blockstore.Open(filepath.Join(t.TempDir(), "auth_errors.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	renderer, err := templates.NewRenderer("", "")
	if err != nil {
		t.Fatal(err)
	}

	sess := session.New([]string{"files.example.com"})
	logger := quietLogger()
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	engine := NewEngine(EngineConfig{
		Upstream:  upstreamURL,
		Session:   sess,
		Escalator: auth.NewEscalator(sess, store, logger),
		Renderer:  renderer,
		Metrics:   metrics,
		Logger:    logger,
	})
	return NewServer(engine, sess, registry, metrics,
		WithLogger(logger),
		WithLimiters(limiters),
	)
}

func TestServer_RateLimitRejectsOverCap(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	limiter := ratelimit.New(ratelimit.Rule{MaxRequests: 3, Seconds: 60})
	srv := newTestServer(t, upstream.URL, []*ratelimit.Limiter{limiter})
	handler := srv.Handler()

	for i := 1; i <= 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, proxyRequest(http.MethodGet, "/files"))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, proxyRequest(http.MethodGet, "/files"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("fourth request: status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "60" {
		t.Errorf("Retry-After = %q, want 60", got)
	}

	// A different path has its own window.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, proxyRequest(http.MethodGet, "/login"))
	if rec.Code != http.StatusOK {
		t.Errorf("other path: status = %d, want 200", rec.Code)
	}
}

func TestServer_CORSPreflight(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("preflight reached upstream")
	}))
	defer upstream.Close()

	srv := newTestServer(t, upstream.URL, nil)
	handler := srv.Handler()

	req := proxyRequest(http.MethodOptions, "/api/resources")
	req.Header.Set("Origin", "https://files.example.com")
	req.Header.Set("Access-Control-Request-Method", "PUT")
	req.Header.Set("Access-Control-Request-Headers", "X-Auth")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://files.example.com" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Allow-Credentials = %q", got)
	}
	for _, method := range []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS", "HEAD"} {
		if !strings.Contains(rec.Header().Get("Access-Control-Allow-Methods"), method) {
			t.Errorf("Allow-Methods missing %s", method)
		}
	}
	if got := rec.Header().Get("Access-Control-Max-Age"); got != "300" {
		t.Errorf("Max-Age = %q, want 300", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); got != "X-Auth" {
		t.Errorf("Allow-Headers = %q, want X-Auth", got)
	}
}

func TestServer_CORSUnknownOriginGetsNoHeaders(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	srv := newTestServer(t, upstream.URL, nil)
	req := proxyRequest(http.MethodGet, "/files")
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin = %q for unknown origin", got)
	}
}

func TestServer_RequestID(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	srv := newTestServer(t, upstream.URL, nil)
	handler := srv.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, proxyRequest(http.MethodGet, "/files"))
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("no X-Request-ID generated")
	}

	req := proxyRequest(http.MethodGet, "/files")
	req.Header.Set("X-Request-ID", "client-supplied")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "client-supplied" {
		t.Errorf("X-Request-ID = %q, want the client's value", got)
	}
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	srv := newTestServer(t, upstream.URL, nil)
	handler := srv.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, proxyRequest(http.MethodGet, "/files"))
	if rec.Code != http.StatusOK {
		t.Fatalf("proxied request failed: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://files.example.com/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "filewarden_forwarded_total") {
		t.Error("metrics output missing forwarded counter")
	}
}
