// Package portalloc finds free TCP ports for workers that must bind a listening socket.
//
// Probing is a linear scan: deterministic, potentially slow at the end of a
// crowded range, acceptable because the default range is large and collisions
// are rare. A port reported free may still be taken by another process before
// the worker binds it; the worker's start response reports that case.
package portalloc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
)

const (
	DefaultStart = 10000
	DefaultEnd   = 99999

	maxPort = 65535
)

var (
	// ErrNoAvailablePort is returned when every port of the scanned range is taken.
	ErrNoAvailablePort = errors.New("portalloc: no available port in range")
	// ErrInvalidRange is returned when start is greater than end.
	ErrInvalidRange = errors.New("portalloc: invalid port range")
)

// Allocator probes ports on one interface. The zero value binds all interfaces,
// which is what a worker listening on ":port" will need.
type Allocator struct {
	Host string
}

var defaultAllocator Allocator

// IsAvailable reports whether a listener can be bound on port.
func IsAvailable(ctx context.Context, port int) bool {
	return defaultAllocator.IsAvailable(ctx, port)
}

// FindAvailablePort returns the first free port in [start, end].
func FindAvailablePort(ctx context.Context, start, end int) (int, error) {
	return defaultAllocator.FindAvailablePort(ctx, start, end)
}

// IsAvailable binds a throwaway listener on port and closes it immediately.
// Any bind error, including an out-of-range port, means unavailable.
func (a Allocator) IsAvailable(ctx context.Context, port int) bool {
	if port < 1 || port > maxPort {
		return false
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(a.Host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// FindAvailablePort scans [start, end] in order. A zero start or end selects the
// default bound. Cancelling ctx aborts the scan with ctx.Err().
func (a Allocator) FindAvailablePort(ctx context.Context, start, end int) (int, error) {
	if start == 0 {
		start = DefaultStart
	}
	if end == 0 {
		end = DefaultEnd
	}
	if start > end {
		return 0, fmt.Errorf("%w: %d > %d", ErrInvalidRange, start, end)
	}

	for port := start; port <= end; port++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if port > maxPort {
			break
		}
		if a.IsAvailable(ctx, port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w [%d, %d]", ErrNoAvailablePort, start, end)
}
