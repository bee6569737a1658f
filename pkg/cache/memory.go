package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// memoryItem stores a cached value with expiration.
type memoryItem struct {
	key      string
	value    []byte
	counter  int64
	expireAt time.Time
}

func (m *memoryItem) expired(now time.Time) bool {
	return !m.expireAt.IsZero() && now.After(m.expireAt)
}

// MemoryCache implements Service in memory with LRU eviction bounded by
// entry count and total bytes.
type MemoryCache struct {
	mutex    sync.Mutex
	items    map[string]*list.Element
	order    *list.List // front = most recently used
	bytes    int64
	maxSize  int
	maxBytes int64
	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryCache creates an in-memory cache.
func NewMemoryCache(opts ...MemoryOption) *MemoryCache {
	cfg := defaultMemoryConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	mc := &MemoryCache{
		items:    make(map[string]*list.Element),
		order:    list.New(),
		maxSize:  cfg.MaxSize,
		maxBytes: cfg.MaxBytes,
		stop:     make(chan struct{}),
	}

	go mc.cleanupExpired(cfg.CleanupInterval)
	return mc
}

func (mc *MemoryCache) SetBytes(_ context.Context, key string, value []byte, expiration time.Duration) error {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()

	var expireAt time.Time
	if expiration > 0 {
		expireAt = time.Now().Add(expiration)
	}
	cp := append([]byte(nil), value...)
	if el, ok := mc.items[key]; ok {
		it := el.Value.(*memoryItem)
		mc.bytes += int64(len(cp) - len(it.value))
		it.value, it.expireAt, it.counter = cp, expireAt, 0
		mc.order.MoveToFront(el)
	} else {
		mc.items[key] = mc.order.PushFront(&memoryItem{key: key, value: cp, expireAt: expireAt})
		mc.bytes += int64(len(cp))
	}
	mc.evictLRU()
	return nil
}

func (mc *MemoryCache) GetBytes(_ context.Context, key string) ([]byte, error) {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()

	el, ok := mc.items[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	it := el.Value.(*memoryItem)
	if it.expired(time.Now()) {
		mc.remove(el)
		return nil, ErrCacheMiss
	}
	mc.order.MoveToFront(el)
	return append([]byte(nil), it.value...), nil
}

func (mc *MemoryCache) Delete(_ context.Context, keys ...string) error {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()

	for _, key := range keys {
		if el, ok := mc.items[key]; ok {
			mc.remove(el)
		}
	}
	return nil
}

func (mc *MemoryCache) Exists(_ context.Context, keys ...string) (bool, error) {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()

	now := time.Now()
	for _, key := range keys {
		if el, ok := mc.items[key]; ok && !el.Value.(*memoryItem).expired(now) {
			return true, nil
		}
	}
	return false, nil
}

// Increment bumps a counter. The expiration applies when the counter is created.
func (mc *MemoryCache) Increment(_ context.Context, key string, expiration time.Duration) (int64, error) {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()

	if el, ok := mc.items[key]; ok {
		it := el.Value.(*memoryItem)
		if !it.expired(time.Now()) {
			it.counter++
			return it.counter, nil
		}
		mc.remove(el)
	}
	var expireAt time.Time
	if expiration > 0 {
		expireAt = time.Now().Add(expiration)
	}
	mc.items[key] = mc.order.PushFront(&memoryItem{key: key, counter: 1, expireAt: expireAt})
	mc.evictLRU()
	return 1, nil
}

func (mc *MemoryCache) TryLock(_ context.Context, key string, ttl time.Duration) (bool, error) {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()

	if el, ok := mc.items[key]; ok {
		if !el.Value.(*memoryItem).expired(time.Now()) {
			return false, nil
		}
		mc.remove(el)
	}
	mc.items[key] = mc.order.PushFront(&memoryItem{key: key, value: []byte("locked"), expireAt: time.Now().Add(ttl)})
	mc.bytes += int64(len("locked"))
	return true, nil
}

func (mc *MemoryCache) Unlock(ctx context.Context, key string) error {
	return mc.Delete(ctx, key)
}

// Len reports the number of live entries.
func (mc *MemoryCache) Len() int {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()
	return len(mc.items)
}

func (mc *MemoryCache) remove(el *list.Element) {
	it := el.Value.(*memoryItem)
	mc.order.Remove(el)
	delete(mc.items, it.key)
	mc.bytes -= int64(len(it.value))
}

// evictLRU trims from the back until both bounds hold. Caller holds the lock.
func (mc *MemoryCache) evictLRU() {
	for (mc.maxSize > 0 && len(mc.items) > mc.maxSize) || (mc.maxBytes > 0 && mc.bytes > mc.maxBytes) {
		el := mc.order.Back()
		if el == nil {
			return
		}
		mc.remove(el)
	}
}

func (mc *MemoryCache) cleanupExpired(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-mc.stop:
			return
		case <-ticker.C:
			mc.mutex.Lock()
			now := time.Now()
			for el := mc.order.Back(); el != nil; {
				prev := el.Prev()
				if el.Value.(*memoryItem).expired(now) {
					mc.remove(el)
				}
				el = prev
			}
			mc.mutex.Unlock()
		}
	}
}

// Close stops the cleanup loop.
func (mc *MemoryCache) Close() error {
	mc.stopOnce.Do(func() { close(mc.stop) })
	return nil
}
