package loadbalance

import (
	"math/rand/v2"

	"comic-rpc/registry"
)

// WeightedRandomBalancer picks instances with a probability proportional to
// their weight. A weight of zero or less counts as 1.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(instances []registry.Instance) (*registry.Instance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	// Total weight
	totalWeight := 0
	for _, v := range instances {
		totalWeight += weight(v)
	}

	// Random number in [0, total weight)
	r := rand.IntN(totalWeight)
	for i := range instances {
		r -= weight(instances[i])
		if r < 0 {
			return &instances[i], nil
		}
	}
	return &instances[len(instances)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "weighted_random"
}

func weight(inst registry.Instance) int {
	if inst.Weight <= 0 {
		return 1
	}
	return inst.Weight
}
