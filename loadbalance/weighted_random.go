package loadbalance

import "math/rand/v2"

// WeightedRandom picks a candidate with probability proportional to its
// weight. Weights below 1 count as 1.
type WeightedRandom struct{}

func (b *WeightedRandom) Pick(_ PickInfo, candidates []Candidate) (int, error) {
	if len(candidates) == 0 {
		return 0, ErrNoCandidates
	}

	// Total weight
	total := 0
	for _, c := range candidates {
		total += weightOf(c)
	}

	// Random point in [0, total)
	r := rand.IntN(total)
	for i, c := range candidates {
		r -= weightOf(c)
		if r < 0 {
			return i, nil
		}
	}
	return len(candidates) - 1, nil
}

func (b *WeightedRandom) Name() string { return "weighted_random" }

func weightOf(c Candidate) int {
	if w := c.Weight(); w > 0 {
		return w
	}
	return 1
}
