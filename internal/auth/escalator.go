package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/filewarden/filewarden/internal/blockstore"
	"github.com/filewarden/filewarden/internal/session"
)

// blockSchedule maps a failure counter to the block duration it earns.
// Counters below the first entry stay unblocked; counters past the last
// entry fall through to longBlock.
var blockSchedule = map[int]time.Duration{
	4: 5 * time.Minute,
	5: 10 * time.Minute,
	6: 20 * time.Minute,
	7: 40 * time.Minute,
	8: 80 * time.Minute,
	9: 160 * time.Minute,
}

const longBlock = 30 * 24 * time.Hour

// Escalator turns repeated login failures from one host into blocks of
// growing length, persisted in the ledger so they outlive restarts.
type Escalator struct {
	sess   *session.Session
	store  *blockstore.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewEscalator wires the escalator to its session state and ledger.
func NewEscalator(sess *session.Session, store *blockstore.Store, logger *slog.Logger) *Escalator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Escalator{sess: sess, store: store, logger: logger, now: time.Now}
}

// RecordFailure counts one rejected login from host. From the fourth
// failure on, the host is blocked and the ledger entry replaced with one
// reflecting the new counter.
func (e *Escalator) RecordFailure(ctx context.Context, host string) error {
	count := e.sess.IncrFailures(host)

	duration, blocked := blockSchedule[count]
	if !blocked {
		if count < 4 {
			e.logger.Warn("login failure", "host", host, "count", count)
			return nil
		}
		duration = longBlock
	}

	e.sess.Forbid(host)
	until := e.now().Add(duration).Unix()

	if err := e.store.Remove(ctx, host); err != nil {
		return fmt.Errorf("failed to replace block for %s: %w", host, err)
	}
	if err := e.store.Put(ctx, host, until); err != nil {
		return fmt.Errorf("failed to record block for %s: %w", host, err)
	}

	e.logger.Warn("host blocked after repeated login failures",
		"host", host, "count", count, "blocked_for", duration.String())
	return nil
}

// RecordSuccess clears the failure state for host after a successful
// login. A host with nothing recorded is left untouched.
func (e *Escalator) RecordSuccess(ctx context.Context, host string) error {
	if e.sess.Failures(host) > 0 {
		e.sess.ClearFailures(host)
	}
	if e.sess.IsForbidden(host) {
		e.sess.Unforbid(host)
	}

	if _, ok, err := e.store.Get(ctx, host); err != nil {
		return fmt.Errorf("failed to check ledger for %s: %w", host, err)
	} else if ok {
		if err := e.store.Remove(ctx, host); err != nil {
			return fmt.Errorf("failed to clear ledger for %s: %w", host, err)
		}
		e.logger.Info("block cleared after successful login", "host", host)
	}
	return nil
}

// Blocked reports whether host is currently denied. The ledger decides:
// the in-memory mark only selects which hosts to look up, so a block ends
// the moment its ledger entry expires. Expired entries are pruned on sight.
func (e *Escalator) Blocked(ctx context.Context, host string) (bool, error) {
	forbidden := e.sess.IsForbidden(host)

	until, ok, err := e.store.Get(ctx, host)
	if err != nil {
		return false, err
	}
	if ok && e.now().Unix() < until {
		if !forbidden {
			// Ledger block from an earlier run; restore the in-memory mark.
			e.sess.Forbid(host)
		}
		return true, nil
	}

	if ok {
		if err := e.store.Remove(ctx, host); err != nil {
			return false, err
		}
	}
	if forbidden {
		e.sess.Unforbid(host)
		e.logger.Info("block expired", "host", host)
	}
	return false, nil
}
