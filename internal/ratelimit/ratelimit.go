// Package ratelimit enforces per-provider RPM limits over a rolling
// 60-second window using a counter-per-second ring.
package ratelimit

import (
	"sync"
	"time"
)

// window is a fixed ring of 1-second request counters.
// The array is stack-allocated to avoid heap allocs.
type window struct {
	counts   [60]int
	head     int   // index of current bucket
	headTime int64 // unix seconds of head bucket
}

// advance moves the head forward to the current second, clearing stale buckets.
func (w *window) advance(nowSec int64) {
	if w.headTime == 0 {
		w.headTime = nowSec
		return
	}
	gap := nowSec - w.headTime
	if gap <= 0 {
		return
	}
	clearN := min(int(gap), len(w.counts))
	for i := range clearN {
		w.counts[(w.head+1+i)%len(w.counts)] = 0
	}
	w.head = (w.head + int(gap)) % len(w.counts)
	w.headTime = nowSec
}

// total sums the window.
func (w *window) total() int {
	var n int
	for i := range w.counts {
		n += w.counts[i]
	}
	return n
}

// Limiter tracks the rolling request count for a single provider.
type Limiter struct {
	mu       sync.Mutex
	window   window
	limit    int // requests per minute, > 0
	lastUsed time.Time
}

func newLimiter(limit int) *Limiter {
	return &Limiter{limit: limit, lastUsed: time.Now()}
}

// TryAcquire consumes one slot if the rolling window is under the limit.
func (l *Limiter) TryAcquire() bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastUsed = now

	l.window.advance(now.Unix())
	if l.window.total() >= l.limit {
		return false
	}
	l.window.counts[l.window.head]++
	return true
}

// Remaining returns the slots left in the current window without consuming.
func (l *Limiter) Remaining() int {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.window.advance(now.Unix())
	return max(0, l.limit-l.window.total())
}

// Registry manages per-provider Limiters keyed by provider ID.
type Registry struct {
	mu       sync.RWMutex
	limiters map[int64]*Limiter
}

// NewRegistry creates a new rate limiter registry.
func NewRegistry() *Registry {
	return &Registry{limiters: make(map[int64]*Limiter)}
}

// TryAcquire consumes one slot for the provider. A limit of 0 disables
// limiting. When the configured limit changes the limiter is rebuilt.
func (r *Registry) TryAcquire(providerID int64, limit int) bool {
	if limit <= 0 {
		return true
	}
	return r.getOrCreate(providerID, limit).TryAcquire()
}

// getOrCreate returns the limiter for providerID, creating one if needed.
// Uses double-check locking to minimize write-lock contention.
func (r *Registry) getOrCreate(providerID int64, limit int) *Limiter {
	r.mu.RLock()
	l, ok := r.limiters[providerID]
	r.mu.RUnlock()
	if ok && l.limit == limit {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[providerID]; ok && l.limit == limit {
		return l
	}
	l = newLimiter(limit)
	r.limiters[providerID] = l
	return l
}

// EvictStale removes limiters not used since cutoff.
func (r *Registry) EvictStale(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for id, l := range r.limiters {
		l.mu.Lock()
		stale := l.lastUsed.Before(cutoff)
		l.mu.Unlock()
		if stale {
			delete(r.limiters, id)
			evicted++
		}
	}
	return evicted
}
