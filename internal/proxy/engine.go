// Package proxy implements the hardening reverse proxy placed in front of
// the managed file server.
package proxy

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mileusna/useragent"

	"github.com/filewarden/filewarden/internal/auth"
	"github.com/filewarden/filewarden/internal/session"
	"github.com/filewarden/filewarden/internal/templates"
)

// hopByHopHeaders lists headers that must be removed when forwarding
// requests. These are meaningful only for a single transport-level
// connection and must not travel through a proxy (RFC 2616 Section 13.5.1).
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// markerCookie tells the login page it is being served through the proxy,
// so it hashes credentials into the Authorization envelope instead of
// posting them directly.
const markerCookie = "pyproxy"

// Engine is the request pipeline: browser sniffing, origin firewall, block
// enforcement, login rewriting, and forwarding to the managed server.
type Engine struct {
	upstream  string
	client    *http.Client
	sess      *session.Session
	escalator *auth.Escalator
	creds     auth.Credentials
	renderer  *templates.Renderer
	metrics   *Metrics
	logger    *slog.Logger

	unsupportedBrowsers []string
}

// EngineConfig collects the engine's collaborators.
type EngineConfig struct {
	Upstream            string // base URL of the managed server
	Session             *session.Session
	Escalator           *auth.Escalator
	Credentials         auth.Credentials
	Renderer            *templates.Renderer
	Metrics             *Metrics
	Logger              *slog.Logger
	UnsupportedBrowsers []string
}

// NewEngine creates the pipeline with sensible HTTP client defaults.
func NewEngine(cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		upstream: strings.TrimRight(cfg.Upstream, "/"),
		client: &http.Client{
			Timeout: 30 * time.Second,
			// Do not follow redirects, pass them through to the caller.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		sess:                cfg.Session,
		escalator:           cfg.Escalator,
		creds:               cfg.Credentials,
		renderer:            cfg.Renderer,
		metrics:             cfg.Metrics,
		logger:              logger,
		unsupportedBrowsers: cfg.UnsupportedBrowsers,
	}
}

// ClientHost identifies the client: the first X-Forwarded-For entry when an
// outer proxy added one, the peer address otherwise.
func ClientHost(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if host := strings.TrimSpace(first); host != "" {
			return host
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// requestHost is the host identity the browser used to reach the proxy.
func requestHost(r *http.Request) string {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(strings.TrimSuffix(host, "."))
}

func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	client := ClientHost(r)

	prevPath, seen := e.sess.LastPath(client)
	e.sess.Touch(client, r.URL.Path)

	if !seen {
		e.logger.Info("new client",
			"host", client,
			"origin", r.Host,
			"forwarded_host", r.Header.Get("X-Forwarded-Host"),
			"user_agent", r.UserAgent())
		if e.warnUnsupportedBrowser(w, r) {
			return
		}
	}

	if host := requestHost(r); !e.sess.OriginAllowed(host) {
		e.logger.Warn("request through unknown origin", "host", client, "origin", host)
		e.metrics.DeniedTotal.WithLabelValues("origin").Inc()
		e.serveForbidden(w, host)
		return
	}

	blocked, err := e.escalator.Blocked(r.Context(), client)
	if err != nil {
		e.logger.Error("block lookup failed", "host", client, "error", err)
	}
	if blocked {
		e.metrics.DeniedTotal.WithLabelValues("blocked").Inc()
		e.serveForbidden(w, client)
		return
	}

	// Log each client's movement, not every poll of the same path.
	if !seen || prevPath != r.URL.Path {
		e.logger.Info("request", "host", client, "method", r.Method, "path", r.URL.Path)
	}

	loginAttempt := isLoginRequest(r)
	var rewritten bool
	if header := r.Header.Get("Authorization"); header != "" && loginAttempt {
		if triple, ok := auth.Decode(header, e.creds); ok {
			payload, err := json.Marshal(triple)
			if err != nil {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			r.Header.Set("Authorization", string(payload))
			rewritten = true
		} else {
			// Not the hashed envelope. Forward as-is and let the server's
			// verdict drive the failure accounting.
			e.logger.Warn("unrecognized authorization envelope", "host", client)
		}
	}

	e.forward(w, r, client, loginAttempt, rewritten)
}

// warnUnsupportedBrowser serves the warning interstitial when a first
// contact arrives from a rejected browser family. Subsequent requests from
// the same client pass through, so a user who insists can continue.
func (e *Engine) warnUnsupportedBrowser(w http.ResponseWriter, r *http.Request) bool {
	if len(e.unsupportedBrowsers) == 0 {
		return false
	}

	ua := useragent.Parse(r.UserAgent())
	for _, name := range e.unsupportedBrowsers {
		if !strings.EqualFold(ua.Name, name) {
			continue
		}
		page, err := e.renderer.UnsupportedBrowser(ua.Name, ua.Version)
		if err != nil {
			e.logger.Error("failed to render browser warning", "error", err)
			return false
		}
		e.metrics.DeniedTotal.WithLabelValues("browser").Inc()
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write(page)
		return true
	}
	return false
}

func (e *Engine) serveForbidden(w http.ResponseWriter, origin string) {
	page, err := e.renderer.Forbidden(origin)
	if err != nil {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusForbidden)
	w.Write(page)
}

// serveUnavailable answers for an unreachable upstream. The cache headers
// keep impatient clients from hammering the proxy while the server starts.
func (e *Engine) serveUnavailable(w http.ResponseWriter) {
	page, err := e.renderer.ServiceUnavailable()
	if err != nil {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "max-age=300")
	w.Header().Set("Expires", time.Now().Add(5*time.Minute).UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write(page)
}

// isLoginRequest matches the server's credential endpoint, the only call
// whose Authorization header carries the hashed envelope.
func isLoginRequest(r *http.Request) bool {
	return r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/api/login")
}

// wantsMarkerCookie reports whether this request serves a page that reads
// the proxy marker: the app shell and the login page.
func wantsMarkerCookie(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	return r.URL.Path == "/" || strings.HasSuffix(r.URL.Path, "/login")
}

func (e *Engine) forward(w http.ResponseWriter, r *http.Request, client string, loginAttempt, rewritten bool) {
	outURL := e.upstream + r.URL.Path
	if r.URL.RawQuery != "" {
		outURL += "?" + r.URL.RawQuery
	}

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, outURL, r.Body)
	if err != nil {
		e.logger.Error("failed to create upstream request", "error", err, "url", outURL)
		e.serveUnavailable(w)
		return
	}
	outReq.ContentLength = r.ContentLength

	for key, values := range r.Header {
		for _, v := range values {
			outReq.Header.Add(key, v)
		}
	}
	for _, h := range hopByHopHeaders {
		outReq.Header.Del(h)
	}
	// The upstream must answer uncompressed so scripts can be served with
	// their Content-Encoding stripped.
	outReq.Header.Del("Accept-Encoding")

	if prior := outReq.Header.Get("X-Forwarded-For"); prior != "" {
		outReq.Header.Set("X-Forwarded-For", prior+", "+client)
	} else {
		outReq.Header.Set("X-Forwarded-For", client)
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	outReq.Header.Set("X-Forwarded-Proto", scheme)
	outReq.Header.Set("X-Forwarded-Host", r.Host)

	resp, err := e.client.Do(outReq)
	if err != nil {
		e.logger.Warn("upstream unreachable", "error", err)
		e.serveUnavailable(w)
		return
	}
	defer resp.Body.Close()

	if loginAttempt {
		if resp.StatusCode == http.StatusForbidden {
			e.metrics.AuthFailuresTotal.Inc()
			if err := e.escalator.RecordFailure(r.Context(), client); err != nil {
				e.logger.Error("failed to record login failure", "host", client, "error", err)
			}
		} else {
			if err := e.escalator.RecordSuccess(r.Context(), client); err != nil {
				e.logger.Error("failed to clear login failures", "host", client, "error", err)
			}
		}
	}

	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	// The body goes out as-is, so any upstream encoding claim is wrong.
	w.Header().Del("Content-Encoding")
	if ct := resp.Header.Get("Content-Type"); strings.Contains(ct, "text") || strings.Contains(ct, "javascript") {
		// Textual bodies may be reshaped in flight; a stale length would
		// break chunked streaming to media players.
		w.Header().Del("Content-Length")
	}

	if rewritten {
		// The envelope was consumed, the marker has done its job.
		http.SetCookie(w, &http.Cookie{Name: markerCookie, Value: "", Path: "/", MaxAge: -1})
	} else if wantsMarkerCookie(r) {
		http.SetCookie(w, &http.Cookie{Name: markerCookie, Value: "on", Path: "/"})
	}

	e.metrics.ForwardedTotal.Inc()
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		e.logger.Debug("error copying upstream response body", "error", err)
	}
}
