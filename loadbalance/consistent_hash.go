package loadbalance

import (
	"hash/crc32"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const defaultReplicas = 100

// ConsistentHash maps call keys to candidates with a hash ring. The same key
// reaches the same endpoint for as long as the candidate set is stable.
//
// Each endpoint owns N virtual nodes so that a handful of endpoints spread
// evenly around the ring.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
//
// Several connections to one endpoint share its virtual nodes; the key then
// selects among them by a second hash.
type ConsistentHash struct {
	replicas int

	mu   sync.Mutex
	sig  string // candidate addresses the ring was built from
	ring []uint32
	node map[uint32]string
}

// NewConsistentHash creates a ring with 100 virtual nodes per endpoint.
func NewConsistentHash() *ConsistentHash {
	return &ConsistentHash{replicas: defaultReplicas}
}

func (b *ConsistentHash) Pick(info PickInfo, candidates []Candidate) (int, error) {
	if len(candidates) == 0 {
		return 0, ErrNoCandidates
	}
	key := info.HashKey
	if key == "" {
		key = info.Method
	}
	hash := crc32.ChecksumIEEE([]byte(key))

	b.mu.Lock()
	b.rebuild(candidates)
	// First node with hash >= key's hash, wrapping around to the start.
	idx := sort.Search(len(b.ring), func(i int) bool { return b.ring[i] >= hash })
	if idx == len(b.ring) {
		idx = 0
	}
	addr := b.node[b.ring[idx]]
	b.mu.Unlock()

	var same []int
	for i, c := range candidates {
		if c.Addr() == addr {
			same = append(same, i)
		}
	}
	return same[int(hash>>16)%len(same)], nil
}

// rebuild refreshes the ring when the set of endpoints changed.
func (b *ConsistentHash) rebuild(candidates []Candidate) {
	addrs := make([]string, 0, len(candidates))
	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		if !seen[c.Addr()] {
			seen[c.Addr()] = true
			addrs = append(addrs, c.Addr())
		}
	}
	sort.Strings(addrs)
	sig := strings.Join(addrs, ",")
	if sig == b.sig && b.ring != nil {
		return
	}

	b.sig = sig
	b.ring = b.ring[:0]
	b.node = make(map[uint32]string, len(addrs)*b.replicas)
	for _, addr := range addrs {
		for i := 0; i < b.replicas; i++ {
			h := crc32.ChecksumIEEE([]byte(addr + "#" + strconv.Itoa(i)))
			b.ring = append(b.ring, h)
			b.node[h] = addr
		}
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

func (b *ConsistentHash) Name() string { return "consistent_hash" }
