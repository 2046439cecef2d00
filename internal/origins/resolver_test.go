package origins

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/filewarden/filewarden/internal/config"
	"github.com/filewarden/filewarden/internal/session"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestPublicIP(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("203.0.113.7\n"))
	}))
	defer srv.Close()

	ip, err := publicIP(context.Background(), srv.Client(), []string{srv.URL})
	if err != nil {
		t.Fatalf("PublicIP() error: %v", err)
	}
	if ip != "203.0.113.7" {
		t.Errorf("PublicIP() = %q, want 203.0.113.7", ip)
	}
}

func TestPublicIP_FallsBackAcrossEndpoints(t *testing.T) {
	t.Parallel()

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not an address"))
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("198.51.100.4"))
	}))
	defer good.Close()

	ip, err := publicIP(context.Background(), &http.Client{Timeout: 2 * time.Second}, []string{bad.URL, good.URL})
	if err != nil {
		t.Fatalf("PublicIP() error: %v", err)
	}
	if ip != "198.51.100.4" {
		t.Errorf("PublicIP() = %q, want 198.51.100.4", ip)
	}
}

func TestPublicIP_AllEndpointsFail(t *testing.T) {
	t.Parallel()

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("nope"))
	}))
	defer bad.Close()

	if _, err := publicIP(context.Background(), &http.Client{Timeout: 2 * time.Second}, []string{bad.URL}); err == nil {
		t.Error("PublicIP() succeeded with no usable endpoint")
	}
}

func TestResolver_LoopbackBind(t *testing.T) {
	t.Parallel()

	cfg := &config.EnvConfig{Host: "127.0.0.1", Origins: []string{"files.example.com"}}
	r := NewResolver(cfg, discardLogger())

	got := r.Resolve(context.Background())
	want := map[string]bool{
		"127.0.0.1": true, "localhost": true, "0.0.0.0": true,
		"files.example.com": true,
	}
	if len(got) != len(want) {
		t.Fatalf("Resolve() = %v, want keys %v", got, want)
	}
	for _, origin := range got {
		if !want[origin] {
			t.Errorf("unexpected origin %q in %v", origin, got)
		}
	}
}

func TestResolver_ExternalBindSkipsLoopbackAliases(t *testing.T) {
	t.Parallel()

	cfg := &config.EnvConfig{Host: "192.0.2.10"}
	r := NewResolver(cfg, discardLogger())

	got := r.Resolve(context.Background())
	if len(got) != 1 || got[0] != "192.0.2.10" {
		t.Errorf("Resolve() = %v, want [192.0.2.10]", got)
	}
}

func TestRefresher_SwapsAndStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := &config.EnvConfig{Host: "192.0.2.10", Origins: []string{"files.example.com"}}
	resolver := NewResolver(cfg, discardLogger())
	sess := session.New(nil)

	refresher := NewRefresher(resolver, sess, 10*time.Millisecond, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	refresher.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for !sess.OriginAllowed("files.example.com") {
		if time.Now().After(deadline) {
			t.Fatal("origin set never refreshed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	refresher.Stop()
	refresher.Stop() // safe to call twice
}
