package proxy

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/filewarden/filewarden/internal/ratelimit"
	"github.com/filewarden/filewarden/internal/session"
)

// Server owns the proxy's listener: it mounts the metrics endpoint, wires
// the middleware chain around the engine, and handles shutdown.
type Server struct {
	engine   *Engine
	sess     *session.Session
	registry *prometheus.Registry
	metrics  *Metrics
	limiters []*ratelimit.Limiter

	addr    string
	workers int
	logger  *slog.Logger
	server  *http.Server
}

// Option is a functional option for configuring Server.
type Option func(*Server)

// WithAddr sets the listen address. Default is "127.0.0.1:8000".
func WithAddr(addr string) Option {
	return func(s *Server) {
		s.addr = addr
	}
}

// WithLogger sets the logger for the server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithLimiters installs the fixed-window gates, applied in order to every
// request before it reaches the engine.
func WithLimiters(limiters []*ratelimit.Limiter) Option {
	return func(s *Server) {
		s.limiters = limiters
	}
}

// WithWorkers caps concurrent in-flight requests. Zero means unlimited.
func WithWorkers(n int) Option {
	return func(s *Server) {
		s.workers = n
	}
}

// NewServer assembles the proxy server around an engine. The registry must
// be the one the engine's metrics were registered with.
func NewServer(engine *Engine, sess *session.Session, registry *prometheus.Registry, metrics *Metrics, opts ...Option) *Server {
	s := &Server{
		engine:   engine,
		sess:     sess,
		registry: registry,
		metrics:  metrics,
		addr:     "127.0.0.1:8000",
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// rateLimitMiddleware rejects requests over any configured window cap with
// 429 and a Retry-After hint. Rejected requests never reach the upstream.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	if len(s.limiters) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := ClientHost(r)
		for _, limiter := range s.limiters {
			allowed, retryAfter := limiter.Check(client, r.URL.Path)
			if allowed {
				continue
			}
			s.metrics.DeniedTotal.WithLabelValues("rate_limited").Inc()
			s.logger.Warn("rate limit exceeded", "host", client, "path", r.URL.Path)
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// workersMiddleware bounds in-flight requests with a semaphore.
func (s *Server) workersMiddleware(next http.Handler) http.Handler {
	if s.workers <= 0 {
		return next
	}
	sem := make(chan struct{}, s.workers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
			next.ServeHTTP(w, r)
		case <-r.Context().Done():
		}
	})
}

// requestIDMiddleware tags every request with an X-Request-ID so client
// reports can be correlated with upstream logs. A client-supplied ID is
// kept; otherwise one is generated.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
			r.Header.Set("X-Request-ID", requestID)
		}
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r)
	})
}

// durationMiddleware records the request duration histogram. Outermost so
// it sees the full pipeline.
func (s *Server) durationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.metrics.RequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

// Handler builds the full middleware chain. Exposed for tests.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.engine
	handler = CORSMiddleware(s.sess)(handler)
	handler = s.rateLimitMiddleware(handler)
	handler = s.workersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	handler = s.durationMiddleware(handler)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		Registry: s.registry,
	}))
	mux.Handle("/", handler)
	return mux
}

// Start begins serving and blocks until the context is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting proxy server", "addr", s.addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down proxy server")
		return s.shutdown()
	case err := <-errCh:
		return err
	}
}

// shutdown drains in-flight requests, then closes the listener outright if
// draining does not finish in time.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	if err == nil {
		s.logger.Info("proxy server shutdown complete")
		return nil
	}

	s.logger.Warn("graceful shutdown timed out, closing listener", "error", err)
	for attempt := 1; attempt <= 5; attempt++ {
		if err = s.server.Close(); err == nil {
			return nil
		}
		s.logger.Warn("close attempt failed", "attempt", attempt, "error", err)
		time.Sleep(100 * time.Millisecond)
	}
	return err
}

// Close shuts the server down outside of Start's lifecycle.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	return s.shutdown()
}
