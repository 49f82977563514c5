package registry

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// etcdRegistry connects to COMIC_RPC_ETCD (default localhost:2379) and skips
// the test when no etcd answers.
func etcdRegistry(t *testing.T) *EtcdRegistry {
	t.Helper()
	endpoints := []string{"localhost:2379"}
	if env := os.Getenv("COMIC_RPC_ETCD"); env != "" {
		endpoints = strings.Split(env, ",")
	}
	reg, err := NewEtcdRegistry(EtcdConfig{
		Endpoints:   endpoints,
		DialTimeout: time.Second,
		Prefix:      "/comic-rpc-test/" + t.Name(),
	})
	if err != nil {
		t.Skipf("etcd unavailable: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := reg.Discover(ctx, "probe"); err != nil {
		_ = reg.Close()
		t.Skipf("etcd unavailable: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func TestEtcdRegisterAndDiscover(t *testing.T) {
	reg := etcdRegistry(t)
	ctx := context.Background()

	// Register two crawler instances
	inst1 := Instance{Name: "crawler-1", Group: "crawler", PID: 101, Weight: 10, Version: "1.0"}
	inst2 := Instance{Name: "crawler-2", Group: "crawler", PID: 102, Weight: 5, Version: "1.0"}
	require.NoError(t, reg.Register(ctx, inst1, 10*time.Second))
	require.NoError(t, reg.Register(ctx, inst2, 10*time.Second))

	instances, err := reg.Discover(ctx, "crawler")
	require.NoError(t, err)
	require.Len(t, instances, 2)
	assert.Equal(t, "crawler-1", instances[0].Name)
	assert.Equal(t, 102, instances[1].PID)

	// Deregister one
	require.NoError(t, reg.Deregister(ctx, "crawler", inst1.Name))
	instances, err = reg.Discover(ctx, "crawler")
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, inst2.Name, instances[0].Name)

	assert.ErrorIs(t, reg.Deregister(ctx, "crawler", "crawler-9"), ErrNotFound)
	require.NoError(t, reg.Deregister(ctx, "crawler", inst2.Name))
}

func TestEtcdWatch(t *testing.T) {
	reg := etcdRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := reg.Watch(ctx, "imageserver")
	// Give the watch time to be established before the first write.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, reg.Register(ctx, Instance{Name: "images", Group: "imageserver", Port: 10000}, 5*time.Second))

	select {
	case instances := <-updates:
		require.Len(t, instances, 1)
		assert.Equal(t, 10000, instances[0].Port)
	case <-time.After(2 * time.Second):
		t.Fatal("no watch update")
	}
	require.NoError(t, reg.Deregister(ctx, "imageserver", "images"))
}
