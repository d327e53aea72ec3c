package ratelimit

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const numShards = 64

// shard is a single partition of the sharded map.
type shard[V any] struct {
	mu    sync.Mutex
	items map[string]V
}

// shardedMap is a concurrent map split into fixed shards to reduce lock contention.
type shardedMap[V any] struct {
	shards [numShards]shard[V]
}

func newShardedMap[V any]() *shardedMap[V] {
	var m shardedMap[V]
	for i := range m.shards {
		m.shards[i].items = make(map[string]V)
	}
	return &m
}

func (m *shardedMap[V]) getShard(key string) *shard[V] {
	return &m.shards[xxhash.Sum64String(key)%numShards]
}

// update runs fn on the value for key, creating it with init if absent. The
// shard lock is held throughout, so deleteFunc never drops a value while fn
// is using it. Keep init and fn cheap.
func (m *shardedMap[V]) update(key string, init func() V, fn func(V)) {
	s := m.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[key]
	if !ok {
		v = init()
		s.items[key] = v
	}
	fn(v)
}

// get returns the value for key and whether it existed.
func (m *shardedMap[V]) get(key string) (V, bool) {
	s := m.getShard(key)
	s.mu.Lock()
	v, ok := s.items[key]
	s.mu.Unlock()
	return v, ok
}

// len counts entries across all shards.
func (m *shardedMap[V]) len() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		n += len(s.items)
		s.mu.Unlock()
	}
	return n
}

// deleteFunc iterates all shards and deletes entries for which fn returns true.
func (m *shardedMap[V]) deleteFunc(fn func(key string, v V) bool) {
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for k, v := range s.items {
			if fn(k, v) {
				delete(s.items, k)
			}
		}
		s.mu.Unlock()
	}
}
