package cache

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mediascribe/coreplane/internal/circuitbreaker"
	"github.com/mediascribe/coreplane/internal/metrics"
)

const cacheKindResult = "result"

// localEntry is one slot in the in-process hot-path cache.
type localEntry struct {
	value      []byte
	expiresAt  time.Time
	lastAccess time.Time
}

// RedisCache is a Redis-backed cache fronted by a local, in-process map for
// hot keys, mirroring the session manager's local-cache-over-Redis layering:
// reads check the local map first and only fall back to Redis on miss.
type RedisCache struct {
	redis   *circuitbreaker.RedisWrapper
	logger  *zap.Logger
	maxSize int

	mu    sync.RWMutex
	local map[string]*localEntry
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache wraps client with a circuit breaker and a bounded local LRU.
func NewRedisCache(client *redis.Client, logger *zap.Logger, maxSize int) *RedisCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &RedisCache{
		redis:   circuitbreaker.NewRedisWrapper(client, logger),
		logger:  logger,
		maxSize: maxSize,
		local:   make(map[string]*localEntry),
	}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if v, ok := c.getLocal(key); ok {
		metrics.RecordCacheLookup(cacheKindResult, true)
		return v, true, nil
	}

	res := c.redis.Get(ctx, key)
	if res.Err() == redis.Nil {
		metrics.RecordCacheLookup(cacheKindResult, false)
		return nil, false, nil
	}
	if res.Err() != nil {
		metrics.RecordCacheLookup(cacheKindResult, false)
		return nil, false, nil
	}

	data := []byte(res.Val())
	c.setLocal(key, data, 0)
	metrics.RecordCacheLookup(cacheKindResult, true)
	return data, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	expiration := ttl
	if ttl == 0 {
		expiration = 0
	}
	res := c.redis.Set(ctx, key, value, expiration)
	if res.Err() != nil {
		c.logger.Warn("cache set failed, storing locally only", zap.String("key", key), zap.Error(res.Err()))
	}
	c.setLocal(key, value, ttl)
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	delete(c.local, key)
	c.mu.Unlock()

	res := c.redis.Del(ctx, key)
	return res.Err()
}

func (c *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	if _, ok := c.getLocal(key); ok {
		return true, nil
	}
	res := c.redis.Get(ctx, key)
	if res.Err() == redis.Nil {
		return false, nil
	}
	if res.Err() != nil {
		return false, res.Err()
	}
	return true, nil
}

func (c *RedisCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.local = make(map[string]*localEntry)
	c.mu.Unlock()
	return nil
}

func (c *RedisCache) getLocal(key string) ([]byte, bool) {
	c.mu.RLock()
	entry, ok := c.local[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.local, key)
		c.mu.Unlock()
		return nil, false
	}
	c.mu.Lock()
	entry.lastAccess = time.Now()
	c.mu.Unlock()
	return entry.value, true
}

func (c *RedisCache) setLocal(key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	c.local[key] = &localEntry{value: value, expiresAt: expiresAt, lastAccess: time.Now()}

	if len(c.local) > c.maxSize {
		c.evictOldestLocked()
	}
}

// evictOldestLocked drops the least-recently-accessed half of the local
// cache when it grows past maxSize, the same amortized-batch eviction
// the session manager uses for its local cache.
func (c *RedisCache) evictOldestLocked() {
	type kv struct {
		key    string
		access time.Time
	}
	entries := make([]kv, 0, len(c.local))
	for k, e := range c.local {
		entries = append(entries, kv{k, e.lastAccess})
	}
	for i := 0; i < len(entries); i++ {
		for j := i + 1; j < len(entries); j++ {
			if entries[j].access.Before(entries[i].access) {
				entries[i], entries[j] = entries[j], entries[i]
			}
		}
	}
	toEvict := len(entries) / 2
	for i := 0; i < toEvict; i++ {
		delete(c.local, entries[i].key)
	}
}
