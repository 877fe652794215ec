package health

import (
	"testing"
	"time"
)

func TestStore_SuccessRate(t *testing.T) {
	t.Parallel()
	s := NewStore(DefaultConfig())
	now := time.Now()

	for i := 0; i < 8; i++ {
		s.Record(1, now, true, 100, "")
	}
	s.Record(1, now, false, 0, "upstream status 500")
	s.Record(1, now, false, 0, "upstream status 500")

	stats := s.Stats(1)
	if stats.Samples != 10 {
		t.Errorf("samples = %d, want 10", stats.Samples)
	}
	if stats.SuccessRate != 0.8 {
		t.Errorf("rate = %v, want 0.8", stats.SuccessRate)
	}
	if stats.ConsecutiveFailures != 2 {
		t.Errorf("streak = %d, want 2", stats.ConsecutiveFailures)
	}
	if stats.LastError != "upstream status 500" {
		t.Errorf("last error = %q", stats.LastError)
	}
	if stats.Open {
		t.Error("breaker should not be open below the threshold")
	}
}

func TestStore_RingBounds(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.RingSize = 4
	s := NewStore(cfg)
	now := time.Now()

	// Four failures, then four successes: only the successes remain.
	for i := 0; i < 4; i++ {
		s.Record(7, now, false, 0, "x")
	}
	for i := 0; i < 4; i++ {
		s.Record(7, now, true, 50, "")
	}

	stats := s.Stats(7)
	if stats.Samples != 4 {
		t.Errorf("samples = %d, want 4", stats.Samples)
	}
	if stats.SuccessRate != 1.0 {
		t.Errorf("rate = %v, want 1.0", stats.SuccessRate)
	}
}

func TestStore_BreakerTripAndProbe(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Cooldown = 50 * time.Millisecond
	s := NewStore(cfg)

	// Unknown bindings and disabled breakers always pass.
	if !s.Allow(2, true) {
		t.Fatal("unknown binding should be allowed")
	}

	for i := 0; i < cfg.TripThreshold; i++ {
		s.Record(2, time.Now(), false, 0, "timeout")
	}
	if !s.Stats(2).Open {
		t.Fatal("breaker should be open after the streak")
	}
	if s.Allow(2, true) {
		t.Error("open breaker should reject")
	}
	if !s.Allow(2, false) {
		t.Error("breaker disabled on the model should admit")
	}

	// After cooldown exactly one probe is admitted.
	time.Sleep(cfg.Cooldown + 10*time.Millisecond)
	if !s.Allow(2, true) {
		t.Fatal("half-open probe should be admitted")
	}
	if s.Allow(2, true) {
		t.Error("second concurrent probe should be rejected")
	}

	// Probe failure reopens; probe success closes.
	s.Record(2, time.Now(), false, 0, "timeout")
	if s.Allow(2, true) {
		t.Error("failed probe should reopen the breaker")
	}
	time.Sleep(cfg.Cooldown + 10*time.Millisecond)
	if !s.Allow(2, true) {
		t.Fatal("probe after second cooldown should be admitted")
	}
	s.Record(2, time.Now(), true, 80, "")
	if !s.Allow(2, true) {
		t.Error("successful probe should close the breaker")
	}
	if s.Stats(2).ConsecutiveFailures != 0 {
		t.Error("success should reset the failure streak")
	}
}

func TestStore_StatusLevels(t *testing.T) {
	t.Parallel()
	s := NewStore(DefaultConfig())

	cases := []struct {
		name     string
		total    int
		failures int
		want     Status
	}{
		{"unknown", 3, 0, StatusUnknown},
		{"healthy", 20, 0, StatusHealthy},
		{"degraded", 20, 2, StatusDegraded},
		{"unhealthy", 20, 10, StatusUnhealthy},
	}
	for i, tc := range cases {
		id := int64(100 + i)
		now := time.Now()
		for j := 0; j < tc.total-tc.failures; j++ {
			s.Record(id, now, true, 10, "")
		}
		for j := 0; j < tc.failures; j++ {
			s.Record(id, now, false, 0, "e")
		}
		if got := s.StatusFor(s.Stats(id)); got != tc.want {
			t.Errorf("%s: status = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestStore_EvictStale(t *testing.T) {
	t.Parallel()
	s := NewStore(DefaultConfig())
	old := time.Now().Add(-time.Hour)

	s.Record(1, old, true, 10, "")
	s.Record(2, time.Now(), true, 10, "")

	if n := s.EvictStale(time.Now().Add(-time.Minute)); n != 1 {
		t.Errorf("evicted = %d, want 1", n)
	}
	if s.Stats(1).Samples != 0 {
		t.Error("evicted binding should report empty stats")
	}
	if s.Stats(2).Samples != 1 {
		t.Error("fresh binding should survive eviction")
	}
}

func TestStore_TransitionHook(t *testing.T) {
	t.Parallel()
	var states []string
	cfg := DefaultConfig()
	cfg.Cooldown = 50 * time.Millisecond
	cfg.OnTransition = func(state string) { states = append(states, state) }
	s := NewStore(cfg)

	for i := 0; i < cfg.TripThreshold; i++ {
		s.Record(9, time.Now(), false, 0, "timeout")
	}
	time.Sleep(cfg.Cooldown + 10*time.Millisecond)
	if !s.Allow(9, true) {
		t.Fatal("probe should be admitted")
	}
	s.Record(9, time.Now(), true, 40, "")

	want := []string{"open", "half_open", "closed"}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("states[%d] = %q, want %q", i, states[i], want[i])
		}
	}
}
