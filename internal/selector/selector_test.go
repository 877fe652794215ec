package selector

import (
	"testing"
	"time"

	gateway "github.com/heimdallgw/heimdall/internal"
)

func cand(id int64, weight int) *gateway.Candidate {
	return &gateway.Candidate{Binding: &gateway.Binding{ID: id, Weight: weight}}
}

func TestPick_Empty(t *testing.T) {
	t.Parallel()
	s := New()
	m := &gateway.Model{ID: 1, Strategy: gateway.StrategyLottery}
	if got := s.Pick(m, nil); got != nil {
		t.Errorf("pick on empty = %v, want nil", got)
	}
	only := cand(1, 1)
	if got := s.Pick(m, []*gateway.Candidate{only}); got != only {
		t.Error("single candidate should be returned directly")
	}
}

func TestLottery_Distribution(t *testing.T) {
	t.Parallel()
	s := New()
	m := &gateway.Model{ID: 1, Strategy: gateway.StrategyLottery}
	cands := []*gateway.Candidate{cand(1, 9), cand(2, 1)}

	const trials = 5000
	hits := map[int64]int{}
	for i := 0; i < trials; i++ {
		hits[s.Pick(m, cands).Binding.ID]++
	}
	// Expect roughly 90/10. Allow generous slack.
	ratio := float64(hits[1]) / trials
	if ratio < 0.85 || ratio > 0.95 {
		t.Errorf("weight-9 share = %.3f, want about 0.9", ratio)
	}
	if hits[2] == 0 {
		t.Error("weight-1 candidate should still be picked")
	}
}

func TestLottery_AllZeroWeights(t *testing.T) {
	t.Parallel()
	s := New()
	m := &gateway.Model{ID: 1, Strategy: gateway.StrategyLottery}
	cands := []*gateway.Candidate{cand(1, 0), cand(2, 0), cand(3, 0)}

	hits := map[int64]int{}
	for i := 0; i < 3000; i++ {
		hits[s.Pick(m, cands).Binding.ID]++
	}
	for id := int64(1); id <= 3; id++ {
		if hits[id] < 700 {
			t.Errorf("candidate %d hits = %d, want roughly uniform", id, hits[id])
		}
	}
}

func TestRotor_SmoothSequence(t *testing.T) {
	t.Parallel()
	s := New()
	m := &gateway.Model{ID: 5, Strategy: gateway.StrategyRotor}
	// Classic smooth WRR example: weights 5/1/1 interleave instead of
	// bursting a-a-a-a-a-b-c.
	cands := []*gateway.Candidate{cand(1, 5), cand(2, 1), cand(3, 1)}

	var seq []int64
	for i := 0; i < 7; i++ {
		seq = append(seq, s.Pick(m, cands).Binding.ID)
	}
	want := []int64{1, 1, 2, 1, 3, 1, 1}
	for i := range want {
		if seq[i] != want[i] {
			t.Fatalf("sequence = %v, want %v", seq, want)
		}
	}

	// Over a full cycle each candidate is hit exactly weight times.
	hits := map[int64]int{}
	for _, id := range seq {
		hits[id]++
	}
	if hits[1] != 5 || hits[2] != 1 || hits[3] != 1 {
		t.Errorf("cycle hits = %v", hits)
	}
}

func TestRotor_ResetOnSetChange(t *testing.T) {
	t.Parallel()
	s := New()
	m := &gateway.Model{ID: 9, Strategy: gateway.StrategyRotor}
	cands := []*gateway.Candidate{cand(1, 2), cand(2, 1)}

	s.Pick(m, cands)
	s.Pick(m, cands)

	// Changing membership resets the cursor: the first pick of the new set
	// behaves as if fresh, choosing the heaviest (lowest id on tie).
	changed := []*gateway.Candidate{cand(1, 2), cand(3, 2)}
	if got := s.Pick(m, changed).Binding.ID; got != 1 {
		t.Errorf("first pick after reset = %d, want 1", got)
	}
}

func TestRotor_TieBreakLowestID(t *testing.T) {
	t.Parallel()
	s := New()
	m := &gateway.Model{ID: 2, Strategy: gateway.StrategyRotor}
	cands := []*gateway.Candidate{cand(4, 1), cand(9, 1)}

	if got := s.Pick(m, cands).Binding.ID; got != 4 {
		t.Errorf("tie pick = %d, want lowest id 4", got)
	}
	if got := s.Pick(m, cands).Binding.ID; got != 9 {
		t.Errorf("second pick = %d, want 9", got)
	}
}

func TestSelector_EvictStale(t *testing.T) {
	t.Parallel()
	s := New()
	m := &gateway.Model{ID: 3, Strategy: gateway.StrategyRotor}
	s.Pick(m, []*gateway.Candidate{cand(1, 1), cand(2, 1)})

	if n := s.EvictStale(time.Now().Add(-time.Minute)); n != 0 {
		t.Errorf("evicted fresh cursor: %d", n)
	}
	if n := s.EvictStale(time.Now().Add(time.Minute)); n != 1 {
		t.Errorf("evicted = %d, want 1", n)
	}
}
