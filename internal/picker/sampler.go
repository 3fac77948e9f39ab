package picker

import (
	"math/rand/v2"
)

// Candidate is a waiting block that may be requested once more in endgame.
type Candidate struct {
	Block      Block
	Requesters int
}

// Sampler chooses among endgame candidates, returning an index into the
// slice. Candidates are never empty and are sorted by piece then offset.
type Sampler interface {
	Sample(candidates []Candidate) int
}

// WeightedSampler draws a candidate with probability proportional to
// 1/requesters, favouring the least duplicated blocks.
type WeightedSampler struct {
	rnd *rand.Rand
}

// NewWeightedSampler returns a sampler drawing from rnd, or from the global
// source when rnd is nil.
func NewWeightedSampler(rnd *rand.Rand) *WeightedSampler {
	return &WeightedSampler{rnd: rnd}
}

func (s *WeightedSampler) float() float64 {
	if s.rnd == nil {
		return rand.Float64()
	}
	return s.rnd.Float64()
}

func (s *WeightedSampler) Sample(candidates []Candidate) int {
	var total float64
	for _, c := range candidates {
		total += weight(c)
	}

	x := s.float() * total
	for i, c := range candidates {
		x -= weight(c)
		if x < 0 {
			return i
		}
	}

	return len(candidates) - 1
}

func weight(c Candidate) float64 {
	if c.Requesters <= 0 {
		return 1
	}
	return 1 / float64(c.Requesters)
}

// FewestRequesters deterministically picks the first candidate with the
// fewest requesters.
type FewestRequesters struct{}

func (FewestRequesters) Sample(candidates []Candidate) int {
	best := 0
	for i, c := range candidates {
		if c.Requesters < candidates[best].Requesters {
			best = i
		}
	}
	return best
}
