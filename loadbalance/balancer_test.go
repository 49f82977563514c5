package loadbalance

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comic-rpc/registry"
)

var testInstances = []registry.Instance{
	{Name: "crawler-1", Group: "crawler", Weight: 10},
	{Name: "crawler-2", Group: "crawler", Weight: 5},
	{Name: "crawler-3", Group: "crawler", Weight: 10},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	// Pick 3 times, should cycle through all instances in order
	for i := 0; i < 3; i++ {
		inst, err := b.Pick(testInstances)
		require.NoError(t, err)
		assert.Equal(t, testInstances[i].Name, inst.Name)
	}

	// Pick again, should wrap around to first
	inst, err := b.Pick(testInstances)
	require.NoError(t, err)
	assert.Equal(t, "crawler-1", inst.Name)
}

func TestRoundRobinConcurrent(t *testing.T) {
	b := &RoundRobinBalancer{}
	var mu sync.Mutex
	counts := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < 300; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inst, err := b.Pick(testInstances)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			counts[inst.Name]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	for _, inst := range testInstances {
		assert.Equal(t, 100, counts[inst.Name])
	}
}

func TestEmpty(t *testing.T) {
	_, err := (&RoundRobinBalancer{}).Pick(nil)
	assert.ErrorIs(t, err, ErrNoInstances)
	_, err = (&WeightedRandomBalancer{}).Pick(nil)
	assert.ErrorIs(t, err, ErrNoInstances)
	_, err = NewConsistentHashBalancer().Pick("one-piece")
	assert.ErrorIs(t, err, ErrNoInstances)
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := map[string]int{}
	n := 10000
	for i := 0; i < n; i++ {
		inst, err := b.Pick(testInstances)
		require.NoError(t, err)
		counts[inst.Name]++
	}

	// Weight ratio is 10:5:10, so crawler-1 should be picked ~2x as often as crawler-2
	ratio := float64(counts["crawler-1"]) / float64(counts["crawler-2"])
	assert.InDelta(t, 2.0, ratio, 0.5)
}

func TestWeightedRandomZeroWeights(t *testing.T) {
	b := &WeightedRandomBalancer{}
	instances := []registry.Instance{{Name: "a"}, {Name: "b"}}
	for i := 0; i < 100; i++ {
		_, err := b.Pick(instances)
		require.NoError(t, err)
	}
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer()
	b.Set(testInstances)

	// Same key should always map to the same instance
	inst1, err := b.Pick("one-piece")
	require.NoError(t, err)
	inst2, err := b.Pick("one-piece")
	require.NoError(t, err)
	assert.Equal(t, inst1.Name, inst2.Name)

	// Different keys should spread over the ring
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		inst, err := b.Pick(fmt.Sprintf("comic-%d", i))
		require.NoError(t, err)
		seen[inst.Name] = true
	}
	assert.GreaterOrEqual(t, len(seen), 2)
}

func TestConsistentHashRemove(t *testing.T) {
	b := NewConsistentHashBalancer()
	b.Set(testInstances)

	owner, err := b.Pick("berserk")
	require.NoError(t, err)
	b.Remove(owner.Name)

	moved, err := b.Pick("berserk")
	require.NoError(t, err)
	assert.NotEqual(t, owner.Name, moved.Name)

	// Keys owned by surviving instances do not move.
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("comic-%d", i)
		full := NewConsistentHashBalancer()
		full.Set(testInstances)
		before, _ := full.Pick(key)
		if before.Name == owner.Name {
			continue
		}
		after, _ := b.Pick(key)
		assert.Equal(t, before.Name, after.Name, key)
	}

	b.Set(nil)
	_, err = b.Pick("berserk")
	assert.ErrorIs(t, err, ErrNoInstances)
}

func TestNew(t *testing.T) {
	b, err := New("")
	require.NoError(t, err)
	assert.Equal(t, "round_robin", b.Name())
	b, err = New("weighted_random")
	require.NoError(t, err)
	assert.Equal(t, "weighted_random", b.Name())
	_, err = New("fastest")
	assert.Error(t, err)
}
