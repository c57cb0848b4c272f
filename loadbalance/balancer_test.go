package loadbalance

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type endpoint struct {
	addr   string
	weight int
}

func (e endpoint) Addr() string { return e.addr }
func (e endpoint) Weight() int  { return e.weight }

var testCandidates = []Candidate{
	endpoint{":8001", 10},
	endpoint{":8002", 5},
	endpoint{":8003", 10},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobin{}

	// Starts at the first candidate and cycles in order.
	for i := 0; i < 7; i++ {
		idx, err := b.Pick(PickInfo{}, testCandidates)
		require.NoError(t, err)
		assert.Equal(t, i%3, idx)
	}
}

func TestRoundRobinDistribution(t *testing.T) {
	b := &RoundRobin{}
	const m = 100
	counts := make([]int, len(testCandidates))
	for i := 0; i < m; i++ {
		idx, err := b.Pick(PickInfo{}, testCandidates)
		require.NoError(t, err)
		counts[idx]++
	}
	for _, c := range counts {
		assert.InDelta(t, m/len(testCandidates), c, 1)
	}
}

func TestEmpty(t *testing.T) {
	for _, name := range []string{"pick_first", "round_robin", "weighted_random", "consistent_hash"} {
		b, err := New(name)
		require.NoError(t, err)
		assert.Equal(t, name, b.Name())
		_, err = b.Pick(PickInfo{}, nil)
		assert.ErrorIs(t, err, ErrNoCandidates, name)
	}
}

func TestNew(t *testing.T) {
	b, err := New("")
	require.NoError(t, err)
	assert.Equal(t, "round_robin", b.Name())

	b, err = New("pick-first")
	require.NoError(t, err)
	assert.Equal(t, "pick_first", b.Name())

	_, err = New("fastest")
	assert.Error(t, err)
}

func TestPickFirst(t *testing.T) {
	for i := 0; i < 3; i++ {
		idx, err := PickFirst{}.Pick(PickInfo{}, testCandidates)
		require.NoError(t, err)
		assert.Equal(t, 0, idx)
	}
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandom{}

	counts := map[string]int{}
	n := 10000
	for i := 0; i < n; i++ {
		idx, err := b.Pick(PickInfo{}, testCandidates)
		require.NoError(t, err)
		counts[testCandidates[idx].Addr()]++
	}

	// Weight ratio is 10:5:10, so :8001 and :8003 should be ~2x of :8002
	ratio := float64(counts[":8001"]) / float64(counts[":8002"])
	assert.InDelta(t, 2.0, ratio, 0.5)
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHash()

	// Same key always maps to the same candidate.
	first, err := b.Pick(PickInfo{HashKey: "user-123"}, testCandidates)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		idx, _ := b.Pick(PickInfo{HashKey: "user-123"}, testCandidates)
		assert.Equal(t, first, idx)
	}

	// 100 keys over 3 nodes hit at least 2 of them.
	seen := map[int]bool{}
	for i := 0; i < 100; i++ {
		idx, _ := b.Pick(PickInfo{HashKey: fmt.Sprintf("key-%d", i)}, testCandidates)
		seen[idx] = true
	}
	assert.GreaterOrEqual(t, len(seen), 2)
}

func TestConsistentHashStableOnRemoval(t *testing.T) {
	b := NewConsistentHash()
	before := map[string]string{}
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("key-%d", i)
		idx, _ := b.Pick(PickInfo{HashKey: key}, testCandidates)
		before[key] = testCandidates[idx].Addr()
	}

	// Dropping :8002 only moves the keys it owned.
	remaining := []Candidate{testCandidates[0], testCandidates[2]}
	for key, addr := range before {
		idx, _ := b.Pick(PickInfo{HashKey: key}, remaining)
		if addr != ":8002" {
			assert.Equal(t, addr, remaining[idx].Addr(), key)
		}
	}
}

func TestConsistentHashMethodFallback(t *testing.T) {
	b := NewConsistentHash()
	a, _ := b.Pick(PickInfo{Method: "/Echo/Say"}, testCandidates)
	c, _ := b.Pick(PickInfo{Method: "/Echo/Say", HashKey: "/Echo/Say"}, testCandidates)
	assert.Equal(t, a, c)
}
