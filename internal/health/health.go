// Package health maintains per-binding rolling outcome windows and the
// consecutive-failure breaker that suppresses bad bindings during dispatch.
package health

import (
	"sync"
	"time"

	gateway "github.com/heimdallgw/heimdall/internal"
)

// Config holds health store parameters.
type Config struct {
	RingSize      int           // samples kept per binding
	TripThreshold int           // consecutive failures to open the breaker
	Cooldown      time.Duration // open duration before a half-open probe
	MinSamples    int           // below this the reported status is unknown

	// OnTransition observes breaker state changes ("open", "half_open",
	// "closed"). Optional; must not block.
	OnTransition func(state string)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		RingSize:      128,
		TripThreshold: 3,
		Cooldown:      30 * time.Second,
		MinSamples:    5,
	}
}

// Status is the coarse reporting level derived from the success rate.
type Status string

const (
	StatusHealthy   Status = "healthy"   // success rate >= 95%
	StatusDegraded  Status = "degraded"  // 80% - 95%
	StatusUnhealthy Status = "unhealthy" // < 80%
	StatusUnknown   Status = "unknown"   // not enough samples
)

// sample is one dispatch outcome.
type sample struct {
	at        time.Time
	success   bool
	latencyMs int64
}

// binding tracks the rolling window and breaker state for one binding.
type binding struct {
	mu   sync.Mutex
	ring []sample
	head int // next write position
	size int // filled entries, <= len(ring)

	consecutiveFailures int
	lastError           string
	lastFailure         time.Time
	probing             bool // a half-open probe is in flight
	lastUsed            time.Time
}

// record appends an outcome and updates the failure streak. The returned
// transition is "open", "closed", or "" when the breaker state held.
func (b *binding) record(at time.Time, success bool, latencyMs int64, errMsg string, threshold int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = at

	b.ring[b.head] = sample{at: at, success: success, latencyMs: latencyMs}
	b.head = (b.head + 1) % len(b.ring)
	if b.size < len(b.ring) {
		b.size++
	}

	wasTripped := b.consecutiveFailures >= threshold
	if success {
		b.consecutiveFailures = 0
		b.lastError = ""
	} else {
		b.consecutiveFailures++
		b.lastError = errMsg
		b.lastFailure = at
	}
	b.probing = false

	nowTripped := b.consecutiveFailures >= threshold
	switch {
	case !wasTripped && nowTripped:
		return "open"
	case wasTripped && !nowTripped:
		return "closed"
	}
	return ""
}

// open reports whether the breaker is tripped at now, ignoring half-open.
func (b *binding) open(threshold int, cooldown time.Duration, now time.Time) bool {
	return b.consecutiveFailures >= threshold && now.Sub(b.lastFailure) < cooldown
}

// Store is the in-process health store, keyed by binding ID.
type Store struct {
	mu       sync.RWMutex
	bindings map[int64]*binding
	cfg      Config
}

// NewStore creates a health store with the given config.
func NewStore(cfg Config) *Store {
	if cfg.RingSize < 1 {
		cfg.RingSize = DefaultConfig().RingSize
	}
	if cfg.TripThreshold < 1 {
		cfg.TripThreshold = DefaultConfig().TripThreshold
	}
	return &Store{
		bindings: make(map[int64]*binding),
		cfg:      cfg,
	}
}

// getOrCreate returns the state for bindingID, creating it if needed.
// Uses double-check locking to minimize write-lock contention.
func (s *Store) getOrCreate(bindingID int64) *binding {
	s.mu.RLock()
	b, ok := s.bindings[bindingID]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.bindings[bindingID]; ok {
		return b
	}
	b = &binding{ring: make([]sample, s.cfg.RingSize), lastUsed: time.Now()}
	s.bindings[bindingID] = b
	return b
}

// Record appends a dispatch outcome for the binding.
func (s *Store) Record(bindingID int64, at time.Time, success bool, latencyMs int64, errMsg string) {
	transition := s.getOrCreate(bindingID).record(at, success, latencyMs, errMsg, s.cfg.TripThreshold)
	if transition != "" && s.cfg.OnTransition != nil {
		s.cfg.OnTransition(transition)
	}
}

// Allow reports whether the binding may be dispatched to. With the breaker
// disabled on the model every binding is allowed. An open breaker rejects
// until the cooldown elapses, then admits exactly one half-open probe whose
// outcome closes or reopens it.
func (s *Store) Allow(bindingID int64, breakerEnabled bool) bool {
	if !breakerEnabled {
		return true
	}
	s.mu.RLock()
	b, ok := s.bindings[bindingID]
	s.mu.RUnlock()
	if !ok {
		return true
	}

	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now

	if b.consecutiveFailures < s.cfg.TripThreshold {
		return true
	}
	if now.Sub(b.lastFailure) < s.cfg.Cooldown {
		return false
	}
	// Cooldown over: one probe at a time.
	if b.probing {
		return false
	}
	b.probing = true
	if s.cfg.OnTransition != nil {
		s.cfg.OnTransition("half_open")
	}
	return true
}

// Stats returns the health snapshot for the binding. Bindings with no
// recorded outcomes report zero samples and a closed breaker.
func (s *Store) Stats(bindingID int64) gateway.BindingStats {
	s.mu.RLock()
	b, ok := s.bindings[bindingID]
	s.mu.RUnlock()
	if !ok {
		return gateway.BindingStats{}
	}

	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	var successes int
	for i := range b.size {
		if b.ring[i].success {
			successes++
		}
	}
	stats := gateway.BindingStats{
		Samples:             b.size,
		ConsecutiveFailures: b.consecutiveFailures,
		LastError:           b.lastError,
		Open:                b.open(s.cfg.TripThreshold, s.cfg.Cooldown, now),
	}
	if b.size > 0 {
		stats.SuccessRate = float64(successes) / float64(b.size)
	}
	return stats
}

// StatusFor maps a health snapshot to a coarse reporting status.
func (s *Store) StatusFor(stats gateway.BindingStats) Status {
	if stats.Samples < s.cfg.MinSamples {
		return StatusUnknown
	}
	switch {
	case stats.SuccessRate >= 0.95:
		return StatusHealthy
	case stats.SuccessRate >= 0.80:
		return StatusDegraded
	default:
		return StatusUnhealthy
	}
}

// EvictStale removes binding state untouched since cutoff.
// Phase 1: RLock to snapshot stale keys. Phase 2: Lock to delete them.
func (s *Store) EvictStale(cutoff time.Time) int {
	s.mu.RLock()
	var staleKeys []int64
	for id, b := range s.bindings {
		b.mu.Lock()
		stale := b.lastUsed.Before(cutoff)
		b.mu.Unlock()
		if stale {
			staleKeys = append(staleKeys, id)
		}
	}
	s.mu.RUnlock()

	if len(staleKeys) == 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for _, id := range staleKeys {
		b, ok := s.bindings[id]
		if !ok {
			continue
		}
		b.mu.Lock()
		stale := b.lastUsed.Before(cutoff)
		b.mu.Unlock()
		if stale {
			delete(s.bindings, id)
			evicted++
		}
	}
	return evicted
}
