package registry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Registry. TTLs are ignored: entries live until
// deregistered, which matches workers owned by the same host process.
type Memory struct {
	mu       sync.Mutex
	groups   map[string]map[string]Instance
	watchers map[string][]chan []Instance
}

// NewMemory creates an empty in-process registry.
func NewMemory() *Memory {
	return &Memory{
		groups:   make(map[string]map[string]Instance),
		watchers: make(map[string][]chan []Instance),
	}
}

func (m *Memory) Register(ctx context.Context, inst Instance, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	group, ok := m.groups[inst.Group]
	if !ok {
		group = make(map[string]Instance)
		m.groups[inst.Group] = group
	}
	group[inst.Name] = inst
	m.notify(inst.Group)
	return nil
}

func (m *Memory) Deregister(ctx context.Context, group, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[group][name]; !ok {
		return ErrNotFound
	}
	delete(m.groups[group], name)
	m.notify(group)
	return nil
}

// Discover returns the instances of group sorted by name.
func (m *Memory) Discover(ctx context.Context, group string) ([]Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot(group), nil
}

func (m *Memory) Watch(ctx context.Context, group string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	m.mu.Lock()
	m.watchers[group] = append(m.watchers[group], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		watchers := m.watchers[group]
		for i, w := range watchers {
			if w == ch {
				m.watchers[group] = append(watchers[:i:i], watchers[i+1:]...)
				close(ch)
				return
			}
		}
	}()
	return ch
}

// Close drops every watcher.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for group, watchers := range m.watchers {
		for _, ch := range watchers {
			close(ch)
		}
		delete(m.watchers, group)
	}
	return nil
}

func (m *Memory) snapshot(group string) []Instance {
	instances := make([]Instance, 0, len(m.groups[group]))
	for _, inst := range m.groups[group] {
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].Name < instances[j].Name })
	return instances
}

// notify replaces any unread update so a slow watcher only sees the latest list.
func (m *Memory) notify(group string) {
	instances := m.snapshot(group)
	for _, ch := range m.watchers[group] {
		select {
		case <-ch:
		default:
		}
		ch <- instances
	}
}
