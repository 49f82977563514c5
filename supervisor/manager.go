package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"comic-rpc/loadbalance"
	"comic-rpc/logging"
	"comic-rpc/registry"
)

// ErrUnknownWorker is returned for a worker name the manager does not run.
var ErrUnknownWorker = errors.New("supervisor: unknown worker")

// Manager runs every configured worker, publishes the ready ones in a registry
// and routes calls to a group through a balancer.
type Manager struct {
	reg         registry.Registry
	balancer    loadbalance.Balancer
	registryTTL time.Duration
	logger      *zap.Logger

	mu      sync.RWMutex
	workers map[string]*Worker
	rings   map[string]*loadbalance.ConsistentHashBalancer // group → ring for keyed calls
	wg      sync.WaitGroup                                 // exit watchers
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRegistryTTL sets the lease of registry entries.
func WithRegistryTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) {
		m.registryTTL = ttl
	}
}

// WithManagerLogger sets the manager's logger; workers log through it as well
// unless their Spec carries one.
func WithManagerLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logging.OrNop(l)
	}
}

// NewManager creates a manager publishing to reg. A nil reg uses an in-memory
// registry and a nil balancer uses round robin.
func NewManager(reg registry.Registry, balancer loadbalance.Balancer, opts ...ManagerOption) *Manager {
	if reg == nil {
		reg = registry.NewMemory()
	}
	if balancer == nil {
		balancer = &loadbalance.RoundRobinBalancer{}
	}
	m := &Manager{
		reg:      reg,
		balancer: balancer,
		logger:   logging.Named("supervisor"),
		workers:  make(map[string]*Worker),
		rings:    make(map[string]*loadbalance.ConsistentHashBalancer),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start spawns every spec concurrently. If any worker fails to start, the ones
// already running are terminated and the first error is returned.
func (m *Manager) Start(ctx context.Context, specs []Spec) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, spec := range specs {
		if spec.Logger == nil {
			spec.Logger = m.logger
		}
		g.Go(func() error {
			w, err := Spawn(gctx, spec)
			if err != nil {
				return fmt.Errorf("spawn %s: %w", spec.Name, err)
			}
			return m.add(ctx, w)
		})
	}
	if err := g.Wait(); err != nil {
		_ = m.Stop(context.Background())
		return err
	}
	return nil
}

// add tracks a ready worker and publishes it.
func (m *Manager) add(ctx context.Context, w *Worker) error {
	m.mu.Lock()
	if _, dup := m.workers[w.Name()]; dup {
		m.mu.Unlock()
		_ = w.Terminate(context.Background())
		return fmt.Errorf("supervisor: duplicate worker name %q", w.Name())
	}
	m.workers[w.Name()] = w
	ring, ok := m.rings[w.Group()]
	if !ok {
		ring = loadbalance.NewConsistentHashBalancer()
		m.rings[w.Group()] = ring
	}
	ring.Add(w.Instance())
	m.mu.Unlock()

	m.wg.Add(1)
	go m.watch(w)

	if err := m.reg.Register(ctx, w.Instance(), m.registryTTL); err != nil {
		return fmt.Errorf("register %s: %w", w.Name(), err)
	}
	return nil
}

// watch removes a worker once its process exits.
func (m *Manager) watch(w *Worker) {
	defer m.wg.Done()
	<-w.Done()

	m.mu.Lock()
	if m.workers[w.Name()] == w {
		delete(m.workers, w.Name())
		if ring, ok := m.rings[w.Group()]; ok {
			ring.Remove(w.Name())
		}
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.reg.Deregister(ctx, w.Group(), w.Name()); err != nil && !errors.Is(err, registry.ErrNotFound) {
		m.logger.Warn("failed to deregister worker", zap.String("worker", w.Name()), zap.Error(err))
	}
	m.logger.Info("worker removed", zap.String("worker", w.Name()), zap.Error(w.Err()))
}

// Worker returns the running worker called name.
func (m *Manager) Worker(name string) (*Worker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[name]
	return w, ok
}

// Workers returns the running workers sorted by name.
func (m *Manager) Workers() []*Worker {
	m.mu.RLock()
	workers := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.RUnlock()
	sort.Slice(workers, func(i, j int) bool { return workers[i].Name() < workers[j].Name() })
	return workers
}

// Pick selects a ready worker of group through the balancer. Registry entries
// published by other hosts are skipped.
func (m *Manager) Pick(ctx context.Context, group string) (*Worker, error) {
	instances, err := m.reg.Discover(ctx, group)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	local := make([]registry.Instance, 0, len(instances))
	for _, inst := range instances {
		if w, ok := m.workers[inst.Name]; ok && w.State() == StateReady {
			local = append(local, inst)
		}
	}
	m.mu.RUnlock()

	inst, err := m.balancer.Pick(local)
	if err != nil {
		return nil, fmt.Errorf("group %s: %w", group, err)
	}
	w, ok := m.Worker(inst.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorker, inst.Name)
	}
	return w, nil
}

// Call sends a request to one worker of group and decodes its result into reply.
func (m *Manager) Call(ctx context.Context, group, pattern string, data, reply any) error {
	w, err := m.Pick(ctx, group)
	if err != nil {
		return err
	}
	return w.Client().Call(ctx, pattern, data, reply)
}

// Emit sends an event to one worker of group.
func (m *Manager) Emit(ctx context.Context, group, pattern string, data any) error {
	w, err := m.Pick(ctx, group)
	if err != nil {
		return err
	}
	return w.Client().Emit(pattern, data)
}

// CallKeyed sends a request to the worker of group that owns key on the hash
// ring, so all calls for one key reach the same process while it runs.
func (m *Manager) CallKeyed(ctx context.Context, group, key, pattern string, data, reply any) error {
	m.mu.RLock()
	ring, ok := m.rings[group]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("group %s: %w", group, loadbalance.ErrNoInstances)
	}
	inst, err := ring.Pick(key)
	if err != nil {
		return fmt.Errorf("group %s: %w", group, err)
	}
	w, ok := m.Worker(inst.Name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, inst.Name)
	}
	return w.Client().Call(ctx, pattern, data, reply)
}

// Stop terminates every worker concurrently and waits until they are removed
// from the registry.
func (m *Manager) Stop(ctx context.Context) error {
	var g errgroup.Group
	for _, w := range m.Workers() {
		g.Go(func() error {
			if err := w.Terminate(ctx); err != nil {
				return fmt.Errorf("terminate %s: %w", w.Name(), err)
			}
			return nil
		})
	}
	err := g.Wait()
	m.wg.Wait()
	return err
}
