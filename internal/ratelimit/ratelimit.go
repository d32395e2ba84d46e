// Package ratelimit throttles session allocation per client address.
package ratelimit

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// Limiter admits at most limit events per key within a sliding window.
type Limiter struct {
	mu      sync.Mutex
	entries map[string][]time.Time
	limit   int
	window  time.Duration
	now     func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates a Limiter allowing limit events per window. A limit of 0
// admits everything.
func New(limit int, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		entries: make(map[string][]time.Time),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow records an event for key if it is under the limit. When it is not,
// Allow returns false and how long until the oldest event leaves the window.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	if l.limit <= 0 {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	valid := l.live(key, now)
	if len(valid) >= l.limit {
		l.entries[key] = valid
		return false, valid[0].Add(l.window).Sub(now)
	}
	l.entries[key] = append(valid, now)
	return true, 0
}

// live returns the events of key still inside the window. Must hold mu.
func (l *Limiter) live(key string, now time.Time) []time.Time {
	cutoff := now.Add(-l.window)
	timestamps := l.entries[key]
	valid := timestamps[:0]
	for _, t := range timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	return valid
}

// Prune drops keys with no events left in the window and returns how many
// keys remain.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for key := range l.entries {
		if valid := l.live(key, now); len(valid) == 0 {
			delete(l.entries, key)
		} else {
			l.entries[key] = valid
		}
	}
	return len(l.entries)
}

// ClientIP returns the host part of r.RemoteAddr.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
