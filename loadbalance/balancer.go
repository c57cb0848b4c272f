// Package loadbalance provides the policies a Channel uses to spread calls
// across its ready connections.
//
// Four policies are implemented:
//   - PickFirst:       always the first ready connection, in registration order
//   - RoundRobin:      stateless services, equal-capacity endpoints
//   - WeightedRandom:  heterogeneous endpoints (different CPU/memory)
//   - ConsistentHash:  stateful services requiring cache affinity
package loadbalance

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoCandidates is returned by Pick when nothing is ready.
var ErrNoCandidates = errors.New("loadbalance: no ready connections")

// Candidate is one ready connection as seen by a policy.
type Candidate interface {
	Addr() string
	Weight() int
}

// PickInfo describes the call being placed.
type PickInfo struct {
	Method string
	// HashKey routes the call under ConsistentHash; empty falls back to Method.
	HashKey string
}

// Balancer selects one of the candidates for a call. The Channel calls Pick
// on every attempt, so it must be goroutine-safe. Candidates are always
// ready and listed in registration order.
type Balancer interface {
	Pick(info PickInfo, candidates []Candidate) (int, error)
	// Name returns the policy name used in configuration.
	Name() string
}

// New returns the policy registered under name. The empty name selects
// round robin.
func New(name string) (Balancer, error) {
	switch strings.ToLower(strings.ReplaceAll(name, "-", "_")) {
	case "", "round_robin", "roundrobin":
		return &RoundRobin{}, nil
	case "pick_first", "pickfirst":
		return PickFirst{}, nil
	case "weighted_random", "weightedrandom":
		return &WeightedRandom{}, nil
	case "consistent_hash", "consistenthash":
		return NewConsistentHash(), nil
	}
	return nil, fmt.Errorf("loadbalance: unknown policy %q", name)
}

// PickFirst sends every call to the first ready connection.
type PickFirst struct{}

func (PickFirst) Pick(_ PickInfo, candidates []Candidate) (int, error) {
	if len(candidates) == 0 {
		return 0, ErrNoCandidates
	}
	return 0, nil
}

func (PickFirst) Name() string { return "pick_first" }
