package cache

import (
	"bytes"
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CryptoPull/internal/repository"
	pkgcache "CryptoPull/pkg/cache"
	"CryptoPull/pkg/metrics"
	"CryptoPull/pkg/sqlite"
)

func newTestCache(t *testing.T, opts ...Option) (*ContentCache, string) {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	db, err := sqlite.Open(sqlite.WithPath(filepath.Join(dir, "cache.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, repository.Migrate(ctx, db))

	hot := pkgcache.NewMemoryCache(pkgcache.WithMemoryMaxSize(64))
	t.Cleanup(func() { _ = hot.Close() })

	cacheDir := filepath.Join(dir, "store")
	c, err := New(repository.NewCacheIndex(db), hot, nil, nil, append([]Option{WithDir(cacheDir)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, cacheDir
}

func countBlobs(t *testing.T, dir string) int {
	t.Helper()
	n := 0
	err := filepath.Walk(filepath.Join(dir, "blobs"), func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && !strings.Contains(info.Name(), ".tmp") {
			n++
		}
		return nil
	})
	require.NoError(t, err)
	return n
}

func TestFingerprintIgnoresCredentialsAndOrder(t *testing.T) {
	a := Request{Provider: "cryptocompare", Endpoint: "/data/v2/histoday",
		Query: url.Values{"fsym": {"BTC"}, "tsym": {"USD"}, "api_key": {"secret-1"}}, Window: "2024-01-01/2024-01-31"}
	b := Request{Provider: "cryptocompare", Endpoint: "/data/v2/histoday",
		Query: url.Values{"tsym": {"USD"}, "fsym": {"BTC"}, "api_key": {"other"}}, Window: "2024-01-01/2024-01-31"}
	if Fingerprint(a) != Fingerprint(b) {
		t.Fatalf("fingerprints differ for the same logical request")
	}
	b.Window = "2024-02-01/2024-02-29"
	if Fingerprint(a) == Fingerprint(b) {
		t.Fatalf("window must change the fingerprint")
	}
	if strings.Contains(NormalizeQuery(a.Query), "secret") {
		t.Fatalf("credential leaked into normalized query")
	}
}

func TestCacheDedupTwoKeysOneBlob(t *testing.T) {
	ctx := context.Background()
	c, dir := newTestCache(t)
	payload := bytes.Repeat([]byte(`{"close":42000.5}`), 200)

	require.NoError(t, c.Put(ctx, "key-a", payload, Meta{DataType: TypeHistorical, Provider: "cryptocompare"}))
	require.NoError(t, c.Put(ctx, "key-b", payload, Meta{DataType: TypeHistorical, Provider: "binance"}))

	assert.Equal(t, 1, countBlobs(t, dir))

	for _, k := range []string{"key-a", "key-b"} {
		got, ok, err := c.Get(ctx, k)
		require.NoError(t, err)
		require.True(t, ok, k)
		assert.Equal(t, payload, got)
	}

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, st.Entries)
	assert.EqualValues(t, 1, st.UniqueBlobs)
	assert.EqualValues(t, len(payload), st.DedupBytes)
	assert.Less(t, st.BytesOnDisk, int64(len(payload)), "payload above the floor is compressed")
}

func TestCacheDetectsCorruptBlob(t *testing.T) {
	ctx := context.Background()
	c, dir := newTestCache(t, WithCompressMinBytes(1<<20))
	payload := []byte("small payload")
	require.NoError(t, c.Put(ctx, "k", payload, Meta{DataType: TypePrice}))
	require.NoError(t, c.hot.Delete(ctx, "k"))

	path := c.blobPath(checksum(payload))
	require.NoError(t, os.WriteFile(path, []byte("tampered"), 0o644))

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, countBlobs(t, dir))

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.ChecksumFails)
	assert.EqualValues(t, 0, st.Entries)
}

func TestCacheExpiryAndPermanentRows(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }

	require.NoError(t, c.Put(ctx, "price", []byte("p"), Meta{DataType: TypePrice}))
	require.NoError(t, c.Put(ctx, "hist", []byte("h"), Meta{DataType: TypeHistorical}))

	c.now = func() time.Time { return base.Add(16 * time.Minute) }
	require.NoError(t, c.hot.Delete(ctx, "price", "hist"))

	_, ok, err := c.Get(ctx, "price")
	require.NoError(t, err)
	assert.False(t, ok, "price entries expire after 15m")

	removed, err := c.Evict(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	got, ok, err := c.Get(ctx, "hist")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("h"), got)
}

func TestEvictLRUKeepsPermanent(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, WithLimits(3, 0, 0))
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, k := range []string{"h1", "a", "b", "c"} {
		c.now = func() time.Time { return base.Add(time.Duration(i) * time.Second) }
		dt := TypeNews
		if k == "h1" {
			dt = TypeHistorical
		}
		require.NoError(t, c.Put(ctx, k, []byte("payload-"+k), Meta{DataType: dt}))
	}

	removed, err := c.Evict(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	ok, err := c.Contains(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok, "least recently used entry goes first")
	ok, err = c.Contains(ctx, "h1")
	require.NoError(t, err)
	assert.True(t, ok, "permanent entries are never evicted")
}

func TestGetOrFetchSingleflight(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)
	req := Request{Provider: "binance", Endpoint: "/api/v3/klines", Query: url.Values{"symbol": {"BTCUSDT"}}, DataType: TypePrice}

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(context.Context) ([]byte, error) {
		calls.Add(1)
		<-release
		return []byte("klines"), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, _, err := c.GetOrFetch(ctx, req, fetch)
			assert.NoError(t, err)
			assert.Equal(t, []byte("klines"), p)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())

	_, hit, err := c.GetOrFetch(ctx, req, fetch)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.EqualValues(t, 1, calls.Load())
}

func TestPutRejectsOversizedPayload(t *testing.T) {
	c, _ := newTestCache(t, WithLimits(10, 0, 4))
	if err := c.Put(context.Background(), "k", []byte("too large"), Meta{}); err == nil {
		t.Fatalf("expected oversized payload to be rejected")
	}
}

type dedupCounter struct {
	metrics.Nop
	bytes atomic.Int64
}

func (d *dedupCounter) RecordCacheDedup(n int64) { d.bytes.Add(n) }

func TestDedupMetricCountsOnlySharedBlobs(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	db, err := sqlite.Open(sqlite.WithPath(filepath.Join(dir, "cache.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, repository.Migrate(ctx, db))

	rec := &dedupCounter{}
	c, err := New(repository.NewCacheIndex(db), nil, nil, rec, WithDir(filepath.Join(dir, "store")))
	require.NoError(t, err)
	t.Cleanup(c.Close)

	payload := []byte(`{"close":42000.5,"volume":12.5}`)
	meta := Meta{DataType: TypeHistorical, Provider: "cryptocompare"}

	require.NoError(t, c.Put(ctx, "key-a", payload, meta))
	require.NoError(t, c.Put(ctx, "key-a", payload, meta))
	assert.Zero(t, rec.bytes.Load(), "rewriting a key with its own content is not dedup")

	require.NoError(t, c.Put(ctx, "key-b", payload, meta))
	assert.EqualValues(t, len(payload), rec.bytes.Load())
}
