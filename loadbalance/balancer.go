// Package loadbalance picks one worker among the running instances of a group.
//
// Three strategies are implemented:
//   - RoundRobin:      interchangeable crawler processes
//   - WeightedRandom:  workers configured with different weights
//   - ConsistentHash:  keyed calls that should stick to one worker (e.g. per comic)
package loadbalance

import (
	"errors"
	"fmt"

	"comic-rpc/registry"
)

// ErrNoInstances is returned when a group has no running worker.
var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer is the interface for load balancing strategies.
// The manager calls Pick() before each call to select a target worker.
type Balancer interface {
	// Pick selects one instance from the available list.
	// Called on every call: must be goroutine-safe.
	Pick(instances []registry.Instance) (*registry.Instance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer configured by name. An empty name selects round robin.
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	default:
		return nil, fmt.Errorf("loadbalance: unknown strategy %q", name)
	}
}
