package cache

import (
	"context"
	"time"
)

// LayeredCache implements two-level cache (L1: Memory, L2: Redis). Without
// Redis it degrades to the memory layer, including locks and counters.
type LayeredCache struct {
	memCache   *MemoryCache
	redisCache *RedisCache
}

// NewLayeredCache creates a layered cache. redisCache may be nil.
func NewLayeredCache(redisCache *RedisCache, opts ...LayeredOption) *LayeredCache {
	cfg := &LayeredConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	return &LayeredCache{
		memCache:   NewMemoryCache(cfg.Memory...),
		redisCache: redisCache,
	}
}

func (lc *LayeredCache) SetBytes(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	// Write-through: Redis first, then memory
	if lc.redisCache != nil {
		if err := lc.redisCache.SetBytes(ctx, key, value, expiration); err != nil {
			return err
		}
	}
	return lc.memCache.SetBytes(ctx, key, value, expiration)
}

func (lc *LayeredCache) GetBytes(ctx context.Context, key string) ([]byte, error) {
	if b, err := lc.memCache.GetBytes(ctx, key); err == nil {
		return b, nil
	}
	if lc.redisCache == nil {
		return nil, ErrCacheMiss
	}
	b, err := lc.redisCache.GetBytes(ctx, key)
	if err != nil {
		return nil, err
	}
	// Promote with a short lifetime; Redis keeps the authoritative TTL.
	_ = lc.memCache.SetBytes(ctx, key, b, time.Minute)
	return b, nil
}

func (lc *LayeredCache) Delete(ctx context.Context, keys ...string) error {
	_ = lc.memCache.Delete(ctx, keys...)
	if lc.redisCache == nil {
		return nil
	}
	return lc.redisCache.Delete(ctx, keys...)
}

func (lc *LayeredCache) Exists(ctx context.Context, keys ...string) (bool, error) {
	if lc.redisCache == nil {
		return lc.memCache.Exists(ctx, keys...)
	}
	return lc.redisCache.Exists(ctx, keys...)
}

func (lc *LayeredCache) Increment(ctx context.Context, key string, expiration time.Duration) (int64, error) {
	if lc.redisCache == nil {
		return lc.memCache.Increment(ctx, key, expiration)
	}
	return lc.redisCache.Increment(ctx, key, expiration)
}

func (lc *LayeredCache) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if lc.redisCache == nil {
		return lc.memCache.TryLock(ctx, key, ttl)
	}
	return lc.redisCache.TryLock(ctx, key, ttl)
}

func (lc *LayeredCache) Unlock(ctx context.Context, key string) error {
	if lc.redisCache == nil {
		return lc.memCache.Unlock(ctx, key)
	}
	return lc.redisCache.Unlock(ctx, key)
}

// Close closes both cache layers.
func (lc *LayeredCache) Close() error {
	_ = lc.memCache.Close()
	if lc.redisCache == nil {
		return nil
	}
	return lc.redisCache.Close()
}
