// Package ratelimit implements the per-IP/per-identity counters of spec
// §5 "Rate limiting": a cache-like store whose only contract is
// incr(key, window) returning the current count within that window.
package ratelimit

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Limiter is a fixed-window counter store, hand-rolled the same way
// storage/memory is: a mutex-guarded map, which is the idiomatic shape
// for this amount of state.
type Limiter struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	counts map[string]*window
}

type window struct {
	start time.Time
	count int64
}

// New constructs a Limiter.
func New(clock clockwork.Clock) *Limiter {
	return &Limiter{clock: clock, counts: make(map[string]*window)}
}

// Incr increments key's counter within the current fixed window of the
// given duration and returns the resulting count. A new window starts
// whenever the elapsed time since the last window start exceeds per.
func (l *Limiter) Incr(key string, per time.Duration) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	w, ok := l.counts[key]
	if !ok || now.Sub(w.start) >= per {
		w = &window{start: now, count: 0}
		l.counts[key] = w
	}
	w.count++
	return w.count
}

// Allow reports whether key is still under limit within window per,
// incrementing its counter as a side effect.
func (l *Limiter) Allow(key string, limit int64, per time.Duration) bool {
	return l.Incr(key, per) <= limit
}

// Sweep drops windows that closed more than per ago, bounding memory for
// long-running processes. It is intended to run alongside the storage
// layer's periodic sweepers (spec §5 "Scheduling").
func (l *Limiter) Sweep(per time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	for key, w := range l.counts {
		if now.Sub(w.start) >= per {
			delete(l.counts, key)
		}
	}
}
