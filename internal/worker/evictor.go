package worker

import (
	"context"
	"log/slog"
	"time"
)

const (
	evictInterval = 5 * time.Minute
	evictMaxIdle  = 30 * time.Minute
)

// Evictable is any in-process store that can drop idle entries; the
// health rings, the RPM limiters, and the rotor cursors all qualify.
type Evictable interface {
	EvictStale(cutoff time.Time) int
}

// StaleEvictor periodically drops idle per-binding, per-provider, and
// per-model state so deleted entities do not accumulate forever.
type StaleEvictor struct {
	interval time.Duration
	maxIdle  time.Duration
	targets  map[string]Evictable
}

// NewStaleEvictor creates an evictor over the named targets. Non-positive
// interval or maxIdle select the defaults.
func NewStaleEvictor(interval, maxIdle time.Duration, targets map[string]Evictable) *StaleEvictor {
	if interval <= 0 {
		interval = evictInterval
	}
	if maxIdle <= 0 {
		maxIdle = evictMaxIdle
	}
	return &StaleEvictor{interval: interval, maxIdle: maxIdle, targets: targets}
}

// Run evicts on every tick until ctx is cancelled.
func (w *StaleEvictor) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sweep(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *StaleEvictor) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-w.maxIdle)
	for name, target := range w.targets {
		if n := target.EvictStale(cutoff); n > 0 {
			slog.LogAttrs(ctx, slog.LevelDebug, "evicted stale entries",
				slog.String("target", name),
				slog.Int("count", n),
			)
		}
	}
}
