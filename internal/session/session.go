// Package session tracks per-client proxy state: login failure counters,
// forbidden hosts, first-contact markers, and the allowed-origin set.
package session

import (
	"sync"
	"sync/atomic"
)

// Session is the in-memory state shared by the proxy handlers. Counters and
// markers are keyed by client host and guarded per field so unrelated
// handlers never contend on one lock. The origin set is swapped wholesale
// and read lock-free.
type Session struct {
	failMu   sync.Mutex
	failures map[string]int

	forbidMu  sync.Mutex
	forbidden map[string]struct{}

	infoMu   sync.Mutex
	lastPath map[string]string

	origins atomic.Pointer[map[string]struct{}]
}

// New returns an empty session holding the given initial origin set.
func New(origins []string) *Session {
	s := &Session{
		failures:  make(map[string]int),
		forbidden: make(map[string]struct{}),
		lastPath:  make(map[string]string),
	}
	s.SwapOrigins(origins)
	return s
}

// Failures returns the current login failure counter for host.
func (s *Session) Failures(host string) int {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.failures[host]
}

// IncrFailures increments the login failure counter for host and returns
// the new value.
func (s *Session) IncrFailures(host string) int {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	s.failures[host]++
	return s.failures[host]
}

// ClearFailures resets the login failure counter for host.
func (s *Session) ClearFailures(host string) {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	delete(s.failures, host)
}

// Forbid marks host as blocked for the life of the process or until
// Unforbid is called.
func (s *Session) Forbid(host string) {
	s.forbidMu.Lock()
	defer s.forbidMu.Unlock()
	s.forbidden[host] = struct{}{}
}

// Unforbid removes the in-memory block for host.
func (s *Session) Unforbid(host string) {
	s.forbidMu.Lock()
	defer s.forbidMu.Unlock()
	delete(s.forbidden, host)
}

// IsForbidden reports whether host carries an in-memory block.
func (s *Session) IsForbidden(host string) bool {
	s.forbidMu.Lock()
	defer s.forbidMu.Unlock()
	_, ok := s.forbidden[host]
	return ok
}

// Touch records a request path for host and reports whether this is the
// first contact from that host.
func (s *Session) Touch(host, path string) (first bool) {
	s.infoMu.Lock()
	defer s.infoMu.Unlock()
	_, seen := s.lastPath[host]
	s.lastPath[host] = path
	return !seen
}

// LastPath returns the most recent request path recorded for host.
func (s *Session) LastPath(host string) (string, bool) {
	s.infoMu.Lock()
	defer s.infoMu.Unlock()
	path, ok := s.lastPath[host]
	return path, ok
}

// SwapOrigins replaces the allowed-origin set atomically.
func (s *Session) SwapOrigins(origins []string) {
	set := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		set[origin] = struct{}{}
	}
	s.origins.Store(&set)
}

// OriginAllowed reports whether host is in the current allowed-origin set.
func (s *Session) OriginAllowed(host string) bool {
	set := s.origins.Load()
	if set == nil {
		return false
	}
	_, ok := (*set)[host]
	return ok
}

// OriginSnapshot returns a copy of the current allowed-origin set.
func (s *Session) OriginSnapshot() map[string]struct{} {
	set := s.origins.Load()
	if set == nil {
		return map[string]struct{}{}
	}
	out := make(map[string]struct{}, len(*set))
	for origin := range *set {
		out[origin] = struct{}{}
	}
	return out
}
