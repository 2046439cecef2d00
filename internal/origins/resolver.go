// Package origins computes and maintains the set of hosts a browser may
// legitimately reach the proxy through.
package origins

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/filewarden/filewarden/internal/config"
)

// Echo services queried for the machine's public address. Tried in order;
// the first response containing an IPv4 address wins.
var publicIPEndpoints = []string{
	"https://checkip.amazonaws.com",
	"https://api.ipify.org",
	"https://ipinfo.io/ip",
	"https://v4.ident.me",
	"https://myip.dnsomatic.com",
}

var ipv4Pattern = regexp.MustCompile(`(\d{1,3}\.){3}\d{1,3}`)

// PrivateIP returns the machine's LAN address. No packet is sent; the
// kernel picks the outbound interface for the probe destination.
func PrivateIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", fmt.Errorf("failed to determine private address: %w", err)
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("unexpected local address type %T", conn.LocalAddr())
	}
	return addr.IP.String(), nil
}

// PublicIP queries the echo services for the machine's public IPv4 address.
func PublicIP(ctx context.Context, client *http.Client) (string, error) {
	return publicIP(ctx, client, publicIPEndpoints)
}

func publicIP(ctx context.Context, client *http.Client, endpoints []string) (string, error) {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	var lastErr error
	for _, endpoint := range endpoints {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			lastErr = err
			continue
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		if ip := ipv4Pattern.FindString(string(body)); ip != "" {
			return ip, nil
		}
		lastErr = fmt.Errorf("no IPv4 address in response from %s", endpoint)
	}

	return "", fmt.Errorf("all public address services failed: %w", lastErr)
}

// Resolver computes the allowed-origin set from the bind host, the static
// configuration, and optionally the machine's private and public addresses.
type Resolver struct {
	host         string
	static       []string
	allowPrivate bool
	allowPublic  bool
	client       *http.Client
	logger       *slog.Logger
}

// NewResolver builds a resolver from the proxy configuration.
func NewResolver(cfg *config.EnvConfig, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		host:         cfg.Host,
		static:       cfg.Origins,
		allowPrivate: cfg.AllowPrivateIP,
		allowPublic:  cfg.AllowPublicIP,
		client:       &http.Client{Timeout: 5 * time.Second},
		logger:       logger,
	}
}

// isLoopbackBind reports whether the bind host means "this machine": the
// loopback names and the wildcard address both do.
func (r *Resolver) isLoopbackBind() bool {
	host := strings.ToLower(r.host)
	if host == "localhost" || host == "0.0.0.0" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return true
	}
	addrs, err := net.LookupHost("localhost")
	if err != nil {
		return false
	}
	for _, addr := range addrs {
		if addr == host {
			return true
		}
	}
	return false
}

// Resolve returns the current allowed-origin set. Address discovery
// failures demote to log entries; the static entries always survive.
func (r *Resolver) Resolve(ctx context.Context) []string {
	entries := []string{r.host}
	if r.isLoopbackBind() {
		entries = append(entries, "localhost", "127.0.0.1", "0.0.0.0")
	}
	entries = append(entries, r.static...)

	if r.allowPrivate {
		if ip, err := PrivateIP(); err != nil {
			r.logger.Warn("private address discovery failed", "error", err)
		} else {
			entries = append(entries, ip)
		}
	}
	if r.allowPublic {
		if ip, err := PublicIP(ctx, r.client); err != nil {
			r.logger.Warn("public address discovery failed", "error", err)
		} else {
			entries = append(entries, ip)
		}
	}

	return config.NormalizeOrigins(entries)
}
