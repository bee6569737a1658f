// Package cache implements the content-addressed response cache: an index in
// SQLite, payload blobs on disk keyed by checksum, and a hot tier in front.
package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/singleflight"

	"CryptoPull/internal/domain/errs"
	"CryptoPull/internal/domain/models"
	"CryptoPull/internal/domain/repository"
	pkgcache "CryptoPull/pkg/cache"
	applogger "CryptoPull/pkg/logger"
	"CryptoPull/pkg/metrics"
)

// Data types with their own retention policy.
const (
	TypeHistorical = "historical"
	TypePrice      = "price"
	TypeNews       = "news"
)

const hashLen = 64

// Index is the persistent entry/blob index.
type Index interface {
	Lookup(ctx context.Context, key string) (*models.CacheEntry, error)
	Touch(ctx context.Context, key string, at time.Time) error
	Put(ctx context.Context, e models.CacheEntry, blob models.CacheBlob) (shared bool, orphan string, err error)
	Delete(ctx context.Context, key string) (string, error)
	Expired(ctx context.Context, now time.Time, limit int) ([]string, error)
	LeastRecentlyUsed(ctx context.Context, limit int) ([]models.CacheEntry, error)
	Totals(ctx context.Context) (models.CacheTotals, error)
}

type Config struct {
	Dir              string
	DefaultTTL       time.Duration
	PriceTTL         time.Duration
	NewsTTL          time.Duration
	MaxEntries       int
	MaxBytes         int64
	MaxEntryBytes    int64
	CompressMinBytes int
	HotTTL           time.Duration
	LockTTL          time.Duration
}

type Option func(*Config)

func WithDir(dir string) Option { return func(c *Config) { c.Dir = dir } }

func WithTTLs(def, price, news time.Duration) Option {
	return func(c *Config) {
		if def > 0 {
			c.DefaultTTL = def
		}
		if price > 0 {
			c.PriceTTL = price
		}
		if news > 0 {
			c.NewsTTL = news
		}
	}
}

func WithLimits(maxEntries int, maxBytes, maxEntryBytes int64) Option {
	return func(c *Config) {
		c.MaxEntries, c.MaxBytes, c.MaxEntryBytes = maxEntries, maxBytes, maxEntryBytes
	}
}

func WithCompressMinBytes(n int) Option { return func(c *Config) { c.CompressMinBytes = n } }

func WithHotTTL(d time.Duration) Option { return func(c *Config) { c.HotTTL = d } }

// Meta describes a payload being stored.
type Meta struct {
	DataType string
	Provider string
}

// ContentCache guarantees one materialization per fingerprint at a time and
// never returns a payload whose checksum does not match its index row.
type ContentCache struct {
	cfg     Config
	index   Index
	hot     pkgcache.Service
	lgr     *applogger.Logger
	metrics repository.Metrics

	sf  singleflight.Group
	enc *zstd.Encoder
	dec *zstd.Decoder
	now func() time.Time

	hits          atomic.Int64
	misses        atomic.Int64
	evictions     atomic.Int64
	checksumFails atomic.Int64
}

// New builds a content cache. hot and m may be nil.
func New(index Index, hot pkgcache.Service, l *applogger.Logger, m repository.Metrics, opts ...Option) (*ContentCache, error) {
	cfg := Config{
		Dir:              "data/cache",
		DefaultTTL:       time.Hour,
		PriceTTL:         15 * time.Minute,
		NewsTTL:          6 * time.Hour,
		MaxEntries:       50000,
		MaxBytes:         1 << 30,
		MaxEntryBytes:    10 << 20,
		CompressMinBytes: 1024,
		HotTTL:           10 * time.Minute,
		LockTTL:          30 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := os.MkdirAll(filepath.Join(cfg.Dir, "blobs"), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	if l == nil {
		l = applogger.NewNop()
	}
	if m == nil {
		m = metrics.Nop{}
	}
	return &ContentCache{
		cfg: cfg, index: index, hot: hot, lgr: l.Component("content_cache"), metrics: m,
		enc: enc, dec: dec, now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Get returns the payload for key, or ok=false on a miss. Corrupt or missing
// blobs are dropped from the index and reported as misses.
func (c *ContentCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	payload, ok, err := c.get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	c.recordLookup(ok)
	return payload, ok, nil
}

func (c *ContentCache) get(ctx context.Context, key string) ([]byte, bool, error) {
	if c.hot != nil {
		if v, err := c.hot.GetBytes(ctx, key); err == nil {
			if p, ok := unpackHot(v); ok {
				return p, true, nil
			}
			_ = c.hot.Delete(ctx, key)
		}
	}

	e, err := c.index.Lookup(ctx, key)
	if err != nil {
		return nil, false, err
	}
	now := c.now()
	if e == nil || e.Expired(now) {
		return nil, false, nil
	}

	payload, err := c.readBlob(e.Checksum, e.Compressed)
	if err == nil && checksum(payload) != e.Checksum {
		err = errors.New("checksum mismatch")
	}
	if err != nil {
		c.checksumFails.Add(1)
		c.lgr.Warn("dropping unreadable cache entry",
			applogger.String("key", key), applogger.String("checksum", e.Checksum), applogger.Error(err))
		if derr := c.drop(ctx, key); derr != nil {
			return nil, false, derr
		}
		return nil, false, nil
	}

	if err := c.index.Touch(ctx, key, now); err != nil {
		c.lgr.Warn("cache touch failed", applogger.String("key", key), applogger.Error(err))
	}
	c.promote(ctx, key, e, payload)
	return payload, true, nil
}

// Contains reports whether a live entry exists without reading the blob.
func (c *ContentCache) Contains(ctx context.Context, key string) (bool, error) {
	e, err := c.index.Lookup(ctx, key)
	if err != nil {
		return false, err
	}
	return e != nil && !e.Expired(c.now()), nil
}

// Put stores payload under key using the retention policy of meta.DataType.
func (c *ContentCache) Put(ctx context.Context, key string, payload []byte, meta Meta) error {
	if c.cfg.MaxEntryBytes > 0 && int64(len(payload)) > c.cfg.MaxEntryBytes {
		return &errs.ValidationRejected{Field: "payload", Reason: fmt.Sprintf("%d bytes exceeds entry limit %d", len(payload), c.cfg.MaxEntryBytes)}
	}
	sum := checksum(payload)
	stored := payload
	compressed := len(payload) >= c.cfg.CompressMinBytes
	if compressed {
		stored = c.enc.EncodeAll(payload, make([]byte, 0, len(payload)/2))
	}
	if err := c.writeBlob(sum, stored); err != nil {
		return err
	}

	now := c.now()
	ttl, permanent := c.policy(meta.DataType)
	e := models.CacheEntry{
		Key: key, Checksum: sum, Size: int64(len(payload)), DataType: meta.DataType, Provider: meta.Provider,
		CreatedAt: now, LastAccessed: now, Permanent: permanent, Compressed: compressed,
	}
	if !permanent {
		exp := now.Add(ttl)
		e.ExpiresAt = &exp
	}
	shared, orphan, err := c.index.Put(ctx, e, models.CacheBlob{
		Checksum: sum, Size: int64(len(payload)), StoredSize: int64(len(stored)), Compressed: compressed,
	})
	if err != nil {
		return err
	}
	if shared {
		c.metrics.RecordCacheDedup(int64(len(payload)))
	}
	if orphan != "" {
		c.removeBlob(orphan)
	}
	c.promote(ctx, key, &e, payload)
	return nil
}

// GetOrFetch returns the cached payload for req or materializes it with fetch.
// Concurrent callers for one fingerprint share a single fetch; across
// processes the hot tier lock serializes the fill.
func (c *ContentCache) GetOrFetch(ctx context.Context, req Request, fetch func(context.Context) ([]byte, error)) ([]byte, bool, error) {
	key := Fingerprint(req)
	type result struct {
		payload []byte
		hit     bool
	}
	v, err, _ := c.sf.Do(key, func() (interface{}, error) {
		if p, ok, err := c.get(ctx, key); err != nil {
			return nil, err
		} else if ok {
			return result{p, true}, nil
		}

		if c.hot != nil {
			release, p, ok, err := c.fillLock(ctx, key)
			if err != nil {
				return nil, err
			}
			if ok {
				return result{p, true}, nil
			}
			defer release()
		}

		p, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.Put(ctx, key, p, Meta{DataType: req.DataType, Provider: req.Provider}); err != nil {
			var vr *errs.ValidationRejected
			if !errors.As(err, &vr) {
				return nil, err
			}
			c.lgr.Debug("payload not cached", applogger.String("key", key), applogger.Error(err))
		}
		return result{p, false}, nil
	})
	if err != nil {
		return nil, false, err
	}
	r := v.(result)
	c.recordLookup(r.hit)
	return r.payload, r.hit, nil
}

// fillLock takes the cross-process fill lock. When another process holds it,
// it polls until that fill lands or the lock expires.
func (c *ContentCache) fillLock(ctx context.Context, key string) (func(), []byte, bool, error) {
	lockKey := "fill:" + key
	deadline := c.now().Add(c.cfg.LockTTL)
	for {
		ok, err := c.hot.TryLock(ctx, lockKey, c.cfg.LockTTL)
		if err != nil {
			c.lgr.Warn("fill lock unavailable", applogger.Error(err))
			return func() {}, nil, false, nil
		}
		if ok {
			return func() { _ = c.hot.Unlock(context.Background(), lockKey) }, nil, false, nil
		}
		select {
		case <-ctx.Done():
			return nil, nil, false, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
		if p, hit, err := c.get(ctx, key); err != nil {
			return nil, nil, false, err
		} else if hit {
			return nil, p, true, nil
		}
		if c.now().After(deadline) {
			return func() {}, nil, false, nil
		}
	}
}

// Invalidate removes key regardless of policy.
func (c *ContentCache) Invalidate(ctx context.Context, key string) error {
	return c.drop(ctx, key)
}

// Evict removes expired entries, then least recently used ones until the
// cache fits its entry and byte limits. Permanent entries are never evicted.
func (c *ContentCache) Evict(ctx context.Context) (int, error) {
	removed := 0
	for {
		keys, err := c.index.Expired(ctx, c.now(), 500)
		if err != nil {
			return removed, err
		}
		for _, k := range keys {
			if err := c.drop(ctx, k); err != nil {
				return removed, err
			}
			removed++
		}
		if len(keys) < 500 {
			break
		}
	}

	for {
		t, err := c.index.Totals(ctx)
		if err != nil {
			return removed, err
		}
		over := 0
		if c.cfg.MaxEntries > 0 && t.Entries > int64(c.cfg.MaxEntries) {
			over = int(t.Entries - int64(c.cfg.MaxEntries))
		}
		if c.cfg.MaxBytes > 0 && t.StoredBytes > c.cfg.MaxBytes && over == 0 {
			over = 1
		}
		if over == 0 {
			break
		}
		batch, err := c.index.LeastRecentlyUsed(ctx, min(max(over, 16), 500))
		if err != nil {
			return removed, err
		}
		if len(batch) == 0 {
			c.lgr.Warn("cache over limits with only permanent entries",
				applogger.Int64("entries", t.Entries), applogger.Int64("stored_bytes", t.StoredBytes))
			break
		}
		for _, e := range batch[:min(len(batch), over)] {
			if err := c.drop(ctx, e.Key); err != nil {
				return removed, err
			}
			removed++
		}
	}

	if removed > 0 {
		c.evictions.Add(int64(removed))
		c.metrics.RecordCacheEvictions(removed)
		c.lgr.Info("cache eviction", applogger.Int("removed", removed))
	}
	return removed, nil
}

// Maintain runs Evict every interval until ctx is done.
func (c *ContentCache) Maintain(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Evict(ctx); err != nil && ctx.Err() == nil {
				c.lgr.Error("cache eviction failed", applogger.Error(err))
			}
		}
	}
}

func (c *ContentCache) Stats(ctx context.Context) (models.CacheStats, error) {
	t, err := c.index.Totals(ctx)
	if err != nil {
		return models.CacheStats{}, err
	}
	s := models.CacheStats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		DedupBytes:    t.DedupSaved(),
		Evictions:     c.evictions.Load(),
		Entries:       t.Entries,
		UniqueBlobs:   t.UniqueBlobs,
		BytesOnDisk:   t.StoredBytes,
		ChecksumFails: c.checksumFails.Load(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s, nil
}

func (c *ContentCache) Close() {
	c.enc.Close()
	c.dec.Close()
}

func (c *ContentCache) policy(dataType string) (time.Duration, bool) {
	switch dataType {
	case TypeHistorical:
		return 0, true
	case TypePrice:
		return c.cfg.PriceTTL, false
	case TypeNews:
		return c.cfg.NewsTTL, false
	default:
		return c.cfg.DefaultTTL, false
	}
}

func (c *ContentCache) drop(ctx context.Context, key string) error {
	orphan, err := c.index.Delete(ctx, key)
	if err != nil {
		return err
	}
	if c.hot != nil {
		_ = c.hot.Delete(ctx, key)
	}
	if orphan != "" {
		c.removeBlob(orphan)
	}
	return nil
}

func (c *ContentCache) promote(ctx context.Context, key string, e *models.CacheEntry, payload []byte) {
	if c.hot == nil {
		return
	}
	ttl := c.cfg.HotTTL
	if e.ExpiresAt != nil {
		if left := e.ExpiresAt.Sub(c.now()); left < ttl {
			ttl = left
		}
	}
	if ttl <= 0 {
		return
	}
	if err := c.hot.SetBytes(ctx, key, packHot(e.Checksum, payload), ttl); err != nil {
		c.lgr.Debug("hot tier write failed", applogger.String("key", key), applogger.Error(err))
	}
}

func (c *ContentCache) recordLookup(hit bool) {
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	c.metrics.RecordCacheLookup(hit)
}

func (c *ContentCache) blobPath(sum string) string {
	return filepath.Join(c.cfg.Dir, "blobs", sum[:2], sum)
}

// writeBlob writes through a temp file and rename; an existing blob is kept.
func (c *ContentCache) writeBlob(sum string, data []byte) error {
	path := c.blobPath(sum)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Storage("cache blob dir", err)
	}
	tmp, err := os.CreateTemp(dir, sum+".tmp*")
	if err != nil {
		return errs.Storage("cache blob create", err)
	}
	_, werr := tmp.Write(data)
	if werr == nil {
		werr = tmp.Sync()
	}
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(tmp.Name())
		return errs.Storage("cache blob write", werr)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return errs.Storage("cache blob rename", err)
	}
	return nil
}

func (c *ContentCache) readBlob(sum string, compressed bool) ([]byte, error) {
	if len(sum) != hashLen {
		return nil, fmt.Errorf("bad checksum %q", sum)
	}
	data, err := os.ReadFile(c.blobPath(sum))
	if err != nil {
		return nil, err
	}
	if !compressed {
		return data, nil
	}
	return c.dec.DecodeAll(data, nil)
}

func (c *ContentCache) removeBlob(sum string) {
	if err := os.Remove(c.blobPath(sum)); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.lgr.Warn("remove orphan blob", applogger.String("checksum", sum), applogger.Error(err))
	}
}

// Hot values carry the hex checksum ahead of the payload.
func packHot(sum string, payload []byte) []byte {
	out := make([]byte, 0, hashLen+len(payload))
	out = append(out, sum...)
	return append(out, payload...)
}

func unpackHot(v []byte) ([]byte, bool) {
	if len(v) < hashLen {
		return nil, false
	}
	p := v[hashLen:]
	return p, checksum(p) == string(v[:hashLen])
}
