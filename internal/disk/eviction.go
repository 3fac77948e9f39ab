package disk

import "math/rand/v2"

// ClockPolicy is a second-chance clock over the used marks: an entry used
// since the hand last passed it has its mark cleared and is skipped once.
type ClockPolicy struct {
	hand int
}

func (p *ClockPolicy) Victim(candidates []*Entry) int {
	for range 2 * len(candidates) {
		i := p.hand % len(candidates)
		p.hand = i + 1

		if !candidates[i].Used {
			return i
		}
		candidates[i].Used = false
	}

	return 0
}

// RandomPolicy evicts an arbitrary entry.
type RandomPolicy struct{}

func (RandomPolicy) Victim(candidates []*Entry) int {
	return rand.IntN(len(candidates))
}
