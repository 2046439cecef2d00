// Package ratelimit provides fixed-window request limiting keyed by client
// identifier and request path.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Rule caps requests per window: at most MaxRequests in any window of
// Seconds seconds.
type Rule struct {
	MaxRequests int
	Seconds     int
}

type window struct {
	start time.Time
	count int
}

// Limiter enforces one Rule across all clients. Windows are tracked in
// memory per identifier+path pair; a background cleanup keeps the map from
// growing without bound. Thread-safe.
type Limiter struct {
	rule            Rule
	windows         map[uint64]window
	mu              sync.Mutex
	stopChan        chan struct{}
	wg              sync.WaitGroup
	once            sync.Once
	cleanupInterval time.Duration

	now func() time.Time
}

// New creates a limiter for the given rule. Cleanup runs every five minutes
// once StartCleanup is called.
func New(rule Rule) *Limiter {
	return &Limiter{
		rule:            rule,
		windows:         make(map[uint64]window),
		stopChan:        make(chan struct{}),
		cleanupInterval: 5 * time.Minute,
		now:             time.Now,
	}
}

// key collapses the identifier and path into the map key. The pair is
// hashed so hot paths never hold full strings per client.
func key(identifier, path string) uint64 {
	var d xxhash.Digest
	d.WriteString(identifier)
	d.WriteString("\x00")
	d.WriteString(path)
	return d.Sum64()
}

// Check counts one request against the rule. When the request exceeds the
// window cap it is not admitted and retryAfter holds the seconds a client
// should wait before retrying.
func (l *Limiter) Check(identifier, path string) (allowed bool, retryAfter int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	k := key(identifier, path)

	w, ok := l.windows[k]
	if !ok || now.Sub(w.start) >= time.Duration(l.rule.Seconds)*time.Second {
		l.windows[k] = window{start: now, count: 1}
		return true, 0
	}

	w.count++
	l.windows[k] = w
	if w.count > l.rule.MaxRequests {
		return false, l.rule.Seconds
	}
	return true, 0
}

// StartCleanup starts the background cleanup goroutine. It stops when ctx
// is cancelled or Stop is called.
func (l *Limiter) StartCleanup(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stopChan:
				return
			case <-ticker.C:
				l.cleanup()
			}
		}
	}()
}

// cleanup removes windows that expired before the current one could still
// affect a decision.
func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-time.Duration(l.rule.Seconds) * time.Second)
	cleaned := 0

	for k, w := range l.windows {
		if w.start.Before(cutoff) {
			delete(l.windows, k)
			cleaned++
		}
	}

	if cleaned > 0 {
		slog.Debug("rate limiter cleanup completed",
			"cleaned_windows", cleaned,
			"remaining_windows", len(l.windows))
	}
}

// Stop gracefully stops the cleanup goroutine and waits for it to exit.
// Safe to call multiple times.
func (l *Limiter) Stop() {
	l.once.Do(func() {
		close(l.stopChan)
	})
	l.wg.Wait()
}

// Size returns the current number of tracked windows.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
