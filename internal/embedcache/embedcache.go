// Package embedcache is the process-wide, thread-safe embedding cache
// called out in §5 of SPEC_FULL.md: "process-wide, thread-safe, LRU with a
// configurable capacity; entries keyed by content hash + model id." It
// follows the map+mutex cache shape of the teacher's registry.MemoryCache
// (runtime/registry/cache.go), adding LRU eviction in place of TTL
// expiration, and offers an optional Redis-backed implementation for
// scale-out deployments (Redis `maxmemory-policy=allkeys-lru` reproduces the
// same eviction semantics across a fleet of processes).
package embedcache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Cache stores embedding vectors keyed by content + model.
type Cache interface {
	Get(ctx context.Context, content, model string) ([]float32, bool, error)
	Put(ctx context.Context, content, model string, vector []float32) error
}

// Key derives the cache key for a piece of content under a given model id.
func Key(content, model string) string {
	h := sha256.Sum256([]byte(model + "\x00" + content))
	return hex.EncodeToString(h[:])
}

type entryValue struct {
	key    string
	vector []float32
}

// Memory is an in-process LRU Cache. It is the default embedding cache;
// construct one per process and share it across all context-assembly
// callers.
type Memory struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

var _ Cache = (*Memory)(nil)

// NewMemory builds an in-process LRU cache with the given capacity. A
// non-positive capacity disables eviction (unbounded growth) — callers
// should prefer a positive EMBEDDING_CACHE_SIZE in production.
func NewMemory(capacity int) *Memory {
	return &Memory{capacity: capacity, ll: list.New(), items: make(map[string]*list.Element)}
}

func (m *Memory) Get(ctx context.Context, content, model string) ([]float32, bool, error) {
	key := Key(content, model)
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.items[key]
	if !ok {
		return nil, false, nil
	}
	m.ll.MoveToFront(el)
	return el.Value.(*entryValue).vector, true, nil
}

func (m *Memory) Put(ctx context.Context, content, model string, vector []float32) error {
	key := Key(content, model)
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.items[key]; ok {
		el.Value.(*entryValue).vector = vector
		m.ll.MoveToFront(el)
		return nil
	}
	el := m.ll.PushFront(&entryValue{key: key, vector: vector})
	m.items[key] = el
	if m.capacity > 0 && m.ll.Len() > m.capacity {
		oldest := m.ll.Back()
		if oldest != nil {
			m.ll.Remove(oldest)
			delete(m.items, oldest.Value.(*entryValue).key)
		}
	}
	return nil
}

// Len reports the number of cached entries, for tests and metrics.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ll.Len()
}

// Redis is a Cache backed by a shared Redis instance, for deployments that
// run more than one orchestrator process against the same embedding model.
// Configure the Redis instance with maxmemory-policy=allkeys-lru to get LRU
// eviction semantics equivalent to Memory.
type Redis struct {
	client *redis.Client
	prefix string
}

var _ Cache = (*Redis)(nil)

// NewRedis wraps an existing Redis client. prefix namespaces keys so the
// cache can share a Redis instance with other subsystems.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "embedcache:"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) Get(ctx context.Context, content, model string) ([]float32, bool, error) {
	raw, err := r.client.Get(ctx, r.prefix+Key(content, model)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var vec []float32
	if err := json.Unmarshal(raw, &vec); err != nil {
		return nil, false, err
	}
	return vec, true, nil
}

func (r *Redis) Put(ctx context.Context, content, model string, vector []float32) error {
	raw, err := json.Marshal(vector)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.prefix+Key(content, model), raw, 0).Err()
}
