// Package registry is the directory of running workers.
//
// The supervisor registers a worker once its handshake is done and removes it
// when the process exits; collaborators discover the workers of a group and
// pick one through a loadbalance.Balancer.
package registry

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when deregistering an unknown worker.
var ErrNotFound = errors.New("registry: instance not found")

// Instance describes one running worker process.
type Instance struct {
	Name      string    `json:"name"`  // unique worker name, e.g. "crawler-1"
	Group     string    `json:"group"` // interchangeable workers share a group, e.g. "crawler"
	PID       int       `json:"pid"`
	Port      int       `json:"port,omitempty"` // bound port of server workers
	Weight    int       `json:"weight"`         // weight for load balancing
	Version   string    `json:"version,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Registry stores the running instances of every worker group.
type Registry interface {
	// Register adds or replaces inst. Entries of remote registries expire after
	// ttl unless renewed; zero uses the implementation default.
	Register(ctx context.Context, inst Instance, ttl time.Duration) error
	Deregister(ctx context.Context, group, name string) error
	Discover(ctx context.Context, group string) ([]Instance, error)
	// Watch emits the full instance list of group after every change until ctx is done.
	Watch(ctx context.Context, group string) <-chan []Instance
	Close() error
}
