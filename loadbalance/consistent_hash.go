package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"

	"comic-rpc/registry"
)

// ConsistentHashBalancer maps keys to instances using a hash ring.
// The same key always maps to the same worker (until the ring changes), so
// keyed work such as one comic's chapters stays on one crawler.
//
// Each real instance is mapped to N virtual nodes on the ring to spread keys
// evenly.
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
type ConsistentHashBalancer struct {
	mu       sync.RWMutex
	replicas int               // virtual nodes per real instance
	ring     []uint32          // sorted hash values on the ring
	nodes    map[uint32]string // hash value → instance name
	members  map[string]registry.Instance
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]string),
		members:  make(map[string]registry.Instance),
	}
}

// Add places an instance onto the ring. Adding a known name updates its data.
func (b *ConsistentHashBalancer) Add(inst registry.Instance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.members[inst.Name]; ok {
		b.members[inst.Name] = inst
		return
	}
	b.members[inst.Name] = inst
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", inst.Name, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = inst.Name
	}
	// Keep the ring sorted for binary search in Pick()
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

// Remove takes an instance off the ring.
func (b *ConsistentHashBalancer) Remove(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.members[name]; !ok {
		return
	}
	delete(b.members, name)
	ring := b.ring[:0]
	for _, hash := range b.ring {
		if b.nodes[hash] == name {
			delete(b.nodes, hash)
			continue
		}
		ring = append(ring, hash)
	}
	b.ring = ring
}

// Set replaces the ring's members with instances.
func (b *ConsistentHashBalancer) Set(instances []registry.Instance) {
	keep := make(map[string]bool, len(instances))
	for _, inst := range instances {
		keep[inst.Name] = true
		b.Add(inst)
	}
	b.mu.RLock()
	var stale []string
	for name := range b.members {
		if !keep[name] {
			stale = append(stale, name)
		}
	}
	b.mu.RUnlock()
	for _, name := range stale {
		b.Remove(name)
	}
}

// Pick finds the instance responsible for key: the first virtual node at or
// after the key's hash, wrapping around to the start of the ring.
func (b *ConsistentHashBalancer) Pick(key string) (*registry.Instance, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.ring) == 0 {
		return nil, ErrNoInstances
	}
	hash := crc32.ChecksumIEEE([]byte(key))

	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}

	inst := b.members[b.nodes[b.ring[idx]]]
	return &inst, nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "consistent_hash"
}
