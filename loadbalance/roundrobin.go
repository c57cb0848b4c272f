package loadbalance

import "sync/atomic"

// RoundRobin cycles through the candidates in order, starting at the first.
// M calls over N stable candidates give each one M/N calls, ±1.
type RoundRobin struct {
	next atomic.Uint64
}

func (b *RoundRobin) Pick(_ PickInfo, candidates []Candidate) (int, error) {
	if len(candidates) == 0 {
		return 0, ErrNoCandidates
	}
	n := b.next.Add(1) - 1
	return int(n % uint64(len(candidates))), nil
}

func (b *RoundRobin) Name() string { return "round_robin" }
