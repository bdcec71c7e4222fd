// Package ratelimit implements the sliding-window counters that shield
// the broker: gateway connection opens, failed invite validations, and
// cookie-issuance requests, each keyed by remote address.
package ratelimit

import (
	"log"
	"sync"
	"time"

	"github.com/tryloop/demobroker/internal/logutil"
)

// addrState tracks events for one remote address.
type addrState struct {
	events []time.Time // timestamps within the sliding window
}

// Limiter is a sliding-window rate limiter. On every check it prunes
// events older than the window and compares the remainder against the
// limit. Retry-after is the time until the oldest surviving event leaves
// the window.
type Limiter struct {
	mu     sync.Mutex
	name   string // label for log lines
	limit  int
	window time.Duration
	state  map[string]*addrState
	nowFn  func() time.Time // injectable clock for testing
}

func New(name string, limit int, window time.Duration) *Limiter {
	return &Limiter{
		name:   name,
		limit:  limit,
		window: window,
		state:  make(map[string]*addrState),
		nowFn:  time.Now,
	}
}

// Allow records an event for addr if the address is under its limit.
// When the limit is reached it records nothing and returns false with
// the wait until the next slot opens.
func (l *Limiter) Allow(addr string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	s := l.getOrCreateState(addr)
	l.prune(s, now)

	if len(s.events) >= l.limit {
		retry := l.retryAfter(s, now)
		log.Printf("[ratelimit] %s: %s exceeded %d per %s (retry in %s)",
			l.name, logutil.SanitizeForLog(addr), l.limit, l.window, retry.Truncate(time.Second))
		return false, retry
	}

	s.events = append(s.events, now)
	return true, 0
}

// Record unconditionally adds an event for addr. Used by failure
// counters where the event must count regardless of the outcome.
func (l *Limiter) Record(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	s := l.getOrCreateState(addr)
	l.prune(s, now)
	s.events = append(s.events, now)
}

// Blocked reports whether addr is at its limit without recording an
// event, along with the remaining wait.
func (l *Limiter) Blocked(addr string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	s, ok := l.state[addr]
	if !ok {
		return false, 0
	}
	l.prune(s, now)
	if len(s.events) >= l.limit {
		return true, l.retryAfter(s, now)
	}
	return false, 0
}

// Sweep drops addresses whose every event has left the window, bounding
// memory to (active addresses x window). Returns the number evicted.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	evicted := 0
	for addr, s := range l.state {
		l.prune(s, now)
		if len(s.events) == 0 {
			delete(l.state, addr)
			evicted++
		}
	}
	return evicted
}

// prune drops events older than the window. Must be called with l.mu held.
func (l *Limiter) prune(s *addrState, now time.Time) {
	cutoff := now.Add(-l.window)
	kept := s.events[:0]
	for _, t := range s.events {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.events = kept
}

// retryAfter computes (oldest event + window) - now. Must be called with
// l.mu held and s non-empty.
func (l *Limiter) retryAfter(s *addrState, now time.Time) time.Duration {
	return s.events[0].Add(l.window).Sub(now)
}

// getOrCreateState returns the state for an address, creating it if
// needed. Must be called with l.mu held.
func (l *Limiter) getOrCreateState(addr string) *addrState {
	s, ok := l.state[addr]
	if !ok {
		s = &addrState{}
		l.state[addr] = s
	}
	return s
}
