package byroute

import (
	"sort"
	"sync"
)

// Manager is a thread-safe store of one object per route. The gateway builds
// a fresh Manager on every configuration load, so entries are never removed.
type Manager[T any] struct {
	items map[string]T
	mu    sync.RWMutex
}

// New creates an empty Manager.
func New[T any]() *Manager[T] {
	return &Manager[T]{items: make(map[string]T)}
}

// Add stores an item for the given route ID, replacing any previous one.
func (m *Manager[T]) Add(routeID string, item T) {
	m.mu.Lock()
	m.items[routeID] = item
	m.mu.Unlock()
}

// Get retrieves the item for the given route ID.
func (m *Manager[T]) Get(routeID string) (_ T, ok bool) {
	m.mu.RLock()
	v, ok := m.items[routeID]
	m.mu.RUnlock()
	return v, ok
}

// RouteIDs returns all route IDs that have items stored, sorted.
func (m *Manager[T]) RouteIDs() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.items))
	for id := range m.items {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Range iterates over all items. Return false from fn to stop early.
func (m *Manager[T]) Range(fn func(id string, item T) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, item := range m.items {
		if !fn(id, item) {
			break
		}
	}
}

// Len returns the number of stored items.
func (m *Manager[T]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Collect maps every stored item through fn, keyed by route ID. Admin
// endpoints use it to build snapshots.
func Collect[T, S any](m *Manager[T], fn func(T) S) map[string]S {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]S, len(m.items))
	for id, item := range m.items {
		out[id] = fn(item)
	}
	return out
}
