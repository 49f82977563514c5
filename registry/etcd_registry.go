package registry

// The etcd registry shares the worker directory with other processes, e.g.
// several comicd hosts on one machine or a dashboard:
//
//	Key:   {prefix}/{group}/{name}
//	Value: JSON-encoded Instance
//
// Registration uses TTL-based leases: if the host crashes, the lease expires
// and the entry is automatically removed.

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"comic-rpc/logging"
)

const (
	DefaultPrefix = "/comic-rpc"
	DefaultTTL    = 10 * time.Second
)

// EtcdConfig configures an EtcdRegistry.
type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	Prefix      string // defaults to DefaultPrefix
	Logger      *zap.Logger
}

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	prefix string
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]lease // key → lease kept alive for it
}

type lease struct {
	id     clientv3.LeaseID
	cancel context.CancelFunc
}

// NewEtcdRegistry creates a registry connected to the configured endpoints.
func NewEtcdRegistry(cfg EtcdConfig) (*EtcdRegistry, error) {
	logger := logging.OrNop(cfg.Logger)
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &EtcdRegistry{
		client: c,
		prefix: prefix,
		logger: logger,
		leases: make(map[string]lease),
	}, nil
}

func (r *EtcdRegistry) key(group, name string) string {
	return r.groupPrefix(group) + name
}

func (r *EtcdRegistry) groupPrefix(group string) string {
	return r.prefix + "/" + group + "/"
}

// Register puts inst under a fresh lease and keeps the lease alive until the
// instance is deregistered or the registry is closed.
func (r *EtcdRegistry) Register(ctx context.Context, inst Instance, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	seconds := int64(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}

	grant, err := r.client.Grant(ctx, seconds)
	if err != nil {
		return err
	}

	val, err := json.Marshal(inst)
	if err != nil {
		return err
	}

	key := r.key(inst.Group, inst.Name)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(grant.ID)); err != nil {
		return err
	}

	// The renewal outlives the caller's ctx: it stops on Deregister or Close.
	keepCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(keepCtx, grant.ID)
	if err != nil {
		cancel()
		return err
	}
	go func() {
		for range ch {
		}
		r.logger.Debug("lease renewal stopped", zap.String("key", key))
	}()

	r.mu.Lock()
	old, replaced := r.leases[key]
	r.leases[key] = lease{id: grant.ID, cancel: cancel}
	r.mu.Unlock()
	if replaced {
		old.cancel()
		_, _ = r.client.Revoke(ctx, old.id)
	}
	return nil
}

// Deregister removes an instance and revokes its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, group, name string) error {
	key := r.key(group, name)
	r.mu.Lock()
	l, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if ok {
		l.cancel()
		if _, err := r.client.Revoke(ctx, l.id); err != nil {
			r.logger.Warn("failed to revoke lease", zap.String("key", key), zap.Error(err))
		}
	}
	resp, err := r.client.Delete(ctx, key)
	if err != nil {
		return err
	}
	if !ok && resp.Deleted == 0 {
		return ErrNotFound
	}
	return nil
}

// Discover returns all registered instances of group sorted by name.
func (r *EtcdRegistry) Discover(ctx context.Context, group string) ([]Instance, error) {
	resp, err := r.client.Get(ctx, r.groupPrefix(group), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst Instance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			r.logger.Warn("skipping malformed registry entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].Name < instances[j].Name })
	return instances, nil
}

// Watch re-reads the group after every change under its prefix. The channel is
// closed when ctx is done.
func (r *EtcdRegistry) Watch(ctx context.Context, group string) <-chan []Instance {
	ch := make(chan []Instance, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, r.groupPrefix(group), clientv3.WithPrefix())
		for range watchChan {
			// Re-fetch the full list: simpler than applying individual events.
			instances, err := r.Discover(ctx, group)
			if err != nil {
				r.logger.Warn("watch refresh failed", zap.String("group", group), zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Close stops every lease renewal and closes the etcd client. Entries expire
// with their leases.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for key, l := range r.leases {
		l.cancel()
		delete(r.leases, key)
	}
	r.mu.Unlock()
	return r.client.Close()
}
