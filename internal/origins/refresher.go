package origins

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/filewarden/filewarden/internal/session"
)

// Refresher re-resolves the allowed-origin set on a fixed interval and swaps
// the result into the session. Discovered addresses change when DHCP leases
// roll over or the ISP reassigns the public address.
type Refresher struct {
	resolver *Resolver
	sess     *session.Session
	interval time.Duration
	logger   *slog.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// NewRefresher creates a refresher updating sess every interval.
func NewRefresher(resolver *Resolver, sess *session.Session, interval time.Duration, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		resolver: resolver,
		sess:     sess,
		interval: interval,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start launches the refresh goroutine. It stops when ctx is cancelled or
// Stop is called.
func (r *Refresher) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopChan:
				return
			case <-ticker.C:
				r.refresh(ctx)
			}
		}
	}()
}

// refresh resolves the origin set and logs the delta before swapping it in.
func (r *Refresher) refresh(ctx context.Context) {
	current := r.sess.OriginSnapshot()
	next := r.resolver.Resolve(ctx)

	nextSet := make(map[string]struct{}, len(next))
	for _, origin := range next {
		nextSet[origin] = struct{}{}
		if _, ok := current[origin]; !ok {
			r.logger.Info("origin added", "host", origin)
		}
	}
	for origin := range current {
		if _, ok := nextSet[origin]; !ok {
			r.logger.Info("origin removed", "host", origin)
		}
	}

	r.sess.SwapOrigins(next)
}

// Stop gracefully stops the refresh goroutine and waits for it to exit.
// Safe to call multiple times.
func (r *Refresher) Stop() {
	r.once.Do(func() {
		close(r.stopChan)
	})
	r.wg.Wait()
}
