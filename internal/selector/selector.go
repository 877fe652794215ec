// Package selector implements the two load balancing strategies: the
// weight-proportional lottery and the smooth weighted round-robin rotor.
// Both are pure picks over a pre-filtered candidate list; no I/O happens here.
package selector

import (
	"hash/fnv"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	gateway "github.com/heimdallgw/heimdall/internal"
)

// Selector picks one candidate per dispatch attempt. Rotor cursors are
// process-wide, keyed by model ID.
type Selector struct {
	mu     sync.Mutex
	rotors map[int64]*rotorState
}

// New creates a selector with empty rotor state.
func New() *Selector {
	return &Selector{rotors: make(map[int64]*rotorState)}
}

// Pick chooses one candidate for the model using its configured strategy.
// Returns nil on an empty list.
func (s *Selector) Pick(model *gateway.Model, cands []*gateway.Candidate) *gateway.Candidate {
	if len(cands) == 0 {
		return nil
	}
	if len(cands) == 1 {
		return cands[0]
	}
	if model.Strategy == gateway.StrategyRotor {
		return s.pickRotor(model.ID, cands)
	}
	return pickLottery(cands)
}

// effectiveWeight treats an all-zero candidate set as uniform.
func effectiveWeights(cands []*gateway.Candidate) []int {
	weights := make([]int, len(cands))
	total := 0
	for i, c := range cands {
		if c.Binding.Weight > 0 {
			weights[i] = c.Binding.Weight
		}
		total += weights[i]
	}
	if total == 0 {
		for i := range weights {
			weights[i] = 1
		}
	}
	return weights
}

// pickLottery samples an index with probability proportional to weight.
func pickLottery(cands []*gateway.Candidate) *gateway.Candidate {
	weights := effectiveWeights(cands)
	total := 0
	for _, w := range weights {
		total += w
	}

	r := rand.IntN(total)
	for i, w := range weights {
		if r < w {
			return cands[i]
		}
		r -= w
	}
	return cands[len(cands)-1]
}

// rotorState is a per-model smooth weighted round-robin cursor.
type rotorState struct {
	setHash  uint64
	current  map[int64]int // binding id -> current weight
	lastUsed time.Time
}

// candidateSetHash fingerprints the candidate set so a membership change
// resets the cursor.
func candidateSetHash(cands []*gateway.Candidate) uint64 {
	h := fnv.New64a()
	for _, c := range cands {
		h.Write([]byte(strconv.FormatInt(c.Binding.ID, 10)))
		h.Write([]byte{':'})
		h.Write([]byte(strconv.Itoa(c.Binding.Weight)))
		h.Write([]byte{';'})
	}
	return h.Sum64()
}

// pickRotor runs one step of the smooth weighted round-robin: every
// candidate gains its weight, the largest current weight wins (lowest
// binding id on ties) and pays back the weight sum.
func (s *Selector) pickRotor(modelID int64, cands []*gateway.Candidate) *gateway.Candidate {
	hash := candidateSetHash(cands)
	weights := effectiveWeights(cands)

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.rotors[modelID]
	if !ok || st.setHash != hash {
		st = &rotorState{setHash: hash, current: make(map[int64]int, len(cands))}
		s.rotors[modelID] = st
	}
	st.lastUsed = time.Now()

	total := 0
	best := -1
	for i, c := range cands {
		st.current[c.Binding.ID] += weights[i]
		total += weights[i]
		switch {
		case best < 0,
			st.current[c.Binding.ID] > st.current[cands[best].Binding.ID],
			st.current[c.Binding.ID] == st.current[cands[best].Binding.ID] && c.Binding.ID < cands[best].Binding.ID:
			best = i
		}
	}
	st.current[cands[best].Binding.ID] -= total
	return cands[best]
}

// EvictStale removes rotor cursors untouched since cutoff.
func (s *Selector) EvictStale(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for id, st := range s.rotors {
		if st.lastUsed.Before(cutoff) {
			delete(s.rotors, id)
			evicted++
		}
	}
	return evicted
}
