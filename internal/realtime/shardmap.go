package realtime

import (
	"hash/fnv"
	"sync"
)

// shardCount controls how many independent locks back a ShardMap. Reads
// within a shard only contend with writes to the same shard, generalizing
// the single sync.RWMutex-guarded map the websocket hub used to one lock
// per bucket.
const shardCount = 32

type shard[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

// ShardMap is a concurrent string-keyed map split into fixed shards. Lookups
// only take a read lock on the owning shard; writes use the same shard's
// vacant-entry path via GetOrCreate.
type ShardMap[V any] struct {
	shards [shardCount]*shard[V]
}

// NewShardMap creates an empty sharded map.
func NewShardMap[V any]() *ShardMap[V] {
	sm := &ShardMap[V]{}
	for i := range sm.shards {
		sm.shards[i] = &shard[V]{items: make(map[string]V)}
	}
	return sm
}

func shardIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

func (m *ShardMap[V]) shardFor(key string) *shard[V] {
	return m.shards[shardIndex(key)]
}

// Get returns the value stored for key, if any.
func (m *ShardMap[V]) Get(key string) (V, bool) {
	s := m.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok
}

// Set unconditionally stores value for key.
func (m *ShardMap[V]) Set(key string, value V) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = value
}

// Delete removes key, if present.
func (m *ShardMap[V]) Delete(key string) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
}

// GetOrCreate returns the existing value for key, or atomically stores and
// returns the value produced by create if key was absent. create is called
// at most once, under the shard's write lock, so two concurrent callers for
// the same key never both win — the two-phase creation the object registry
// and the group manager both depend on to avoid double-spawning a runner.
func (m *ShardMap[V]) GetOrCreate(key string, create func() V) (value V, created bool) {
	s := m.shardFor(key)

	s.mu.RLock()
	if v, ok := s.items[key]; ok {
		s.mu.RUnlock()
		return v, false
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.items[key]; ok {
		return v, false
	}
	v := create()
	s.items[key] = v
	return v, true
}

// Len returns the total number of entries across all shards.
func (m *ShardMap[V]) Len() int {
	total := 0
	for _, s := range m.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// Keys returns a snapshot of every key currently stored.
func (m *ShardMap[V]) Keys() []string {
	keys := make([]string, 0, m.Len())
	for _, s := range m.shards {
		s.mu.RLock()
		for k := range s.items {
			keys = append(keys, k)
		}
		s.mu.RUnlock()
	}
	return keys
}

// lockShard and unlockShard expose one shard's write lock directly, so a
// caller that must mutate more than one ShardMap atomically (ConnectState's
// connect/disconnect path) can acquire every shard it needs, across both
// maps, in one fixed order before touching either — the locked* accessors
// below assume that lock is already held and never lock internally.
func (m *ShardMap[V]) lockShard(index int) {
	m.shards[index].mu.Lock()
}

func (m *ShardMap[V]) unlockShard(index int) {
	m.shards[index].mu.Unlock()
}

// getLocked, setLocked and deleteLocked operate directly on the shard key
// hashes to, without locking — the caller must already hold that shard's
// lock via lockShard.
func (m *ShardMap[V]) getLocked(key string) (V, bool) {
	s := m.shardFor(key)
	v, ok := s.items[key]
	return v, ok
}

func (m *ShardMap[V]) setLocked(key string, value V) {
	s := m.shardFor(key)
	s.items[key] = value
}

func (m *ShardMap[V]) deleteLocked(key string) {
	s := m.shardFor(key)
	delete(s.items, key)
}

// Range calls fn for every entry. fn must not call back into the map.
func (m *ShardMap[V]) Range(fn func(key string, value V) bool) {
	for _, s := range m.shards {
		s.mu.RLock()
		for k, v := range s.items {
			if !fn(k, v) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}
