package portalloc

import (
	"context"
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var loopback = Allocator{Host: "127.0.0.1"}

// occupyRun finds n consecutive free ports starting at or after from and binds
// all of them. The returned listeners hold the ports until closed.
func occupyRun(t *testing.T, from, n int) (int, []net.Listener) {
	t.Helper()
	for base := from; base+n <= maxPort; base += n {
		var held []net.Listener
		for i := 0; i < n; i++ {
			ln, err := net.Listen("tcp", net.JoinHostPort(loopback.Host, strconv.Itoa(base+i)))
			if err != nil {
				break
			}
			held = append(held, ln)
		}
		if len(held) == n {
			t.Cleanup(func() {
				for _, ln := range held {
					_ = ln.Close()
				}
			})
			return base, held
		}
		for _, ln := range held {
			_ = ln.Close()
		}
	}
	t.Skip("no run of free ports available")
	return 0, nil
}

func TestIsAvailable(t *testing.T) {
	ctx := context.Background()
	base, held := occupyRun(t, 20000, 1)
	assert.False(t, loopback.IsAvailable(ctx, base))

	require.NoError(t, held[0].Close())
	assert.True(t, loopback.IsAvailable(ctx, base))
}

func TestIsAvailableOutOfRange(t *testing.T) {
	ctx := context.Background()
	assert.False(t, loopback.IsAvailable(ctx, 0))
	assert.False(t, loopback.IsAvailable(ctx, -1))
	assert.False(t, loopback.IsAvailable(ctx, 99999))
}

func TestFindAvailablePortSkipsOccupied(t *testing.T) {
	ctx := context.Background()
	base, held := occupyRun(t, 21000, 3)
	// Free the third port: the scan must step over the first two.
	require.NoError(t, held[2].Close())

	port, err := loopback.FindAvailablePort(ctx, base, base+2)
	require.NoError(t, err)
	assert.Equal(t, base+2, port)
}

func TestFindAvailablePortExhausted(t *testing.T) {
	ctx := context.Background()
	base, _ := occupyRun(t, 22000, 3)

	_, err := loopback.FindAvailablePort(ctx, base, base+2)
	assert.ErrorIs(t, err, ErrNoAvailablePort)
}

func TestFindAvailablePortRangeBeyondMax(t *testing.T) {
	_, err := loopback.FindAvailablePort(context.Background(), 70000, 70010)
	assert.ErrorIs(t, err, ErrNoAvailablePort)
}

func TestFindAvailablePortInvalidRange(t *testing.T) {
	_, err := loopback.FindAvailablePort(context.Background(), 10002, 10000)
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestFindAvailablePortCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := loopback.FindAvailablePort(ctx, 30000, 30010)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFindAvailablePortDefaults(t *testing.T) {
	port, err := FindAvailablePort(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, port, DefaultStart)
	assert.LessOrEqual(t, port, maxPort)
}
