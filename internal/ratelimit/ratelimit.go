// Package ratelimit keeps a token bucket per key, used to cap how often a
// single drain token may post.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// keyLimiter tracks the rate limiter and last-seen time for a single key.
type keyLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter tracks per-key rate limiters. A zero rate disables limiting.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*keyLimiter
	rate     rate.Limit
	burst    int
	now      func() time.Time
}

// New returns a Limiter allowing perSecond events per key with the given
// burst. A burst below 1 is raised to 1.
func New(perSecond float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*keyLimiter),
		rate:     rate.Limit(perSecond),
		burst:    burst,
		now:      time.Now,
	}
}

// Enabled reports whether the limiter limits anything.
func (l *Limiter) Enabled() bool { return l != nil && l.rate > 0 }

// Allow reports whether an event for key may happen now.
func (l *Limiter) Allow(key string) bool {
	if !l.Enabled() {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	entry, ok := l.limiters[key]
	if !ok {
		entry = &keyLimiter{
			limiter: rate.NewLimiter(l.rate, l.burst),
		}
		l.limiters[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// Cleanup removes entries that haven't been seen for staleAfter and returns
// how many were removed.
func (l *Limiter) Cleanup(staleAfter time.Duration) int {
	if !l.Enabled() {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-staleAfter)
	n := 0
	for key, entry := range l.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(l.limiters, key)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
