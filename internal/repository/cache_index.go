package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"CryptoPull/internal/domain/errs"
	"CryptoPull/internal/domain/models"
	"CryptoPull/pkg/sqlite"
)

// SQLiteCacheIndex keeps the content cache index and blob refcounts.
type SQLiteCacheIndex struct {
	db *sqlite.DB
}

func NewCacheIndex(db *sqlite.DB) *SQLiteCacheIndex {
	return &SQLiteCacheIndex{db: db}
}

func (r *SQLiteCacheIndex) Lookup(ctx context.Context, key string) (*models.CacheEntry, error) {
	var rec cacheEntryRecord
	err := r.db.Gorm(ctx).Where("key = ?", key).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Storage("cache lookup", err)
	}
	e := rec.model()
	return &e, nil
}

func (r *SQLiteCacheIndex) Touch(ctx context.Context, key string, at time.Time) error {
	err := r.db.Gorm(ctx).Model(&cacheEntryRecord{}).Where("key = ?", key).
		Updates(map[string]any{"last_accessed": toMillis(at), "access_count": gorm.Expr("access_count + 1")}).Error
	if err != nil {
		return errs.Storage("cache touch", err)
	}
	return nil
}

// Put records entry and the blob it points at in one transaction. shared is
// true when the payload folded onto a blob another key already references;
// rewriting a key with its own content is not sharing. orphan names a blob
// whose last reference was dropped by replacing the entry.
func (r *SQLiteCacheIndex) Put(ctx context.Context, e models.CacheEntry, blob models.CacheBlob) (shared bool, orphan string, err error) {
	err = r.db.Tx(ctx, func(tx *gorm.DB) error {
		var prev cacheEntryRecord
		perr := tx.Where("key = ?", e.Key).Take(&prev).Error
		hadPrev := perr == nil
		if perr != nil && !errors.Is(perr, gorm.ErrRecordNotFound) {
			return perr
		}
		if hadPrev && prev.Checksum == e.Checksum {
			return tx.Model(&cacheEntryRecord{}).Where("key = ?", e.Key).Updates(map[string]any{
				"expires_at": optMillis(e.ExpiresAt), "permanent": e.Permanent,
				"data_type": e.DataType, "provider": e.Provider, "last_accessed": toMillis(e.LastAccessed),
			}).Error
		}

		var refs int64
		if err := tx.Model(&cacheBlobRecord{}).Where("checksum = ?", blob.Checksum).
			Select("COALESCE(SUM(refcount), 0)").Scan(&refs).Error; err != nil {
			return err
		}
		shared = refs > 0

		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&cacheBlobRecord{
			Checksum: blob.Checksum, Size: blob.Size, StoredSize: blob.StoredSize,
			Compressed: blob.Compressed, Refcount: 0, CreatedAt: toMillis(e.CreatedAt),
		})
		if res.Error != nil {
			return res.Error
		}
		if err := tx.Model(&cacheBlobRecord{}).Where("checksum = ?", blob.Checksum).
			Update("refcount", gorm.Expr("refcount + 1")).Error; err != nil {
			return err
		}

		rec := cacheEntryToRecord(e)
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error; err != nil {
			return err
		}
		if hadPrev {
			o, err := release(tx, prev.Checksum)
			if err != nil {
				return err
			}
			orphan = o
		}
		return nil
	})
	if err != nil {
		return false, "", errs.Storage("cache put", err)
	}
	return shared, orphan, nil
}

// Delete removes the entry and returns the blob checksum if it became unreferenced.
func (r *SQLiteCacheIndex) Delete(ctx context.Context, key string) (string, error) {
	var orphan string
	err := r.db.Tx(ctx, func(tx *gorm.DB) error {
		var rec cacheEntryRecord
		if err := tx.Where("key = ?", key).Take(&rec).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		if err := tx.Where("key = ?", key).Delete(&cacheEntryRecord{}).Error; err != nil {
			return err
		}
		o, err := release(tx, rec.Checksum)
		orphan = o
		return err
	})
	if err != nil {
		return "", errs.Storage("cache delete", err)
	}
	return orphan, nil
}

// release drops one reference and deletes the blob row at zero.
func release(tx *gorm.DB, checksum string) (string, error) {
	if err := tx.Model(&cacheBlobRecord{}).Where("checksum = ?", checksum).
		Update("refcount", gorm.Expr("refcount - 1")).Error; err != nil {
		return "", err
	}
	res := tx.Where("checksum = ? AND refcount <= 0", checksum).Delete(&cacheBlobRecord{})
	if res.Error != nil {
		return "", res.Error
	}
	if res.RowsAffected > 0 {
		return checksum, nil
	}
	return "", nil
}

// Expired lists keys of non-permanent entries past their TTL.
func (r *SQLiteCacheIndex) Expired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	var keys []string
	err := r.db.Gorm(ctx).Model(&cacheEntryRecord{}).
		Where("permanent = 0 AND expires_at IS NOT NULL AND expires_at <= ?", toMillis(now)).
		Order("expires_at").Limit(limit).Pluck("key", &keys).Error
	if err != nil {
		return nil, errs.Storage("cache expired", err)
	}
	return keys, nil
}

// LeastRecentlyUsed lists non-permanent entries, oldest access first.
func (r *SQLiteCacheIndex) LeastRecentlyUsed(ctx context.Context, limit int) ([]models.CacheEntry, error) {
	var recs []cacheEntryRecord
	err := r.db.Gorm(ctx).Where("permanent = 0").Order("last_accessed, key").Limit(limit).Find(&recs).Error
	if err != nil {
		return nil, errs.Storage("cache lru", err)
	}
	out := make([]models.CacheEntry, len(recs))
	for i, rec := range recs {
		out[i] = rec.model()
	}
	return out, nil
}

func (r *SQLiteCacheIndex) Totals(ctx context.Context) (models.CacheTotals, error) {
	var t models.CacheTotals
	err := r.db.Gorm(ctx).Model(&cacheEntryRecord{}).
		Select("COUNT(*) AS entries, COALESCE(SUM(size), 0) AS logical_bytes").
		Scan(&t).Error
	if err != nil {
		return t, errs.Storage("cache totals", err)
	}
	var b struct {
		UniqueBlobs int64
		BlobBytes   int64
		StoredBytes int64
	}
	err = r.db.Gorm(ctx).Model(&cacheBlobRecord{}).
		Select("COUNT(*) AS unique_blobs, COALESCE(SUM(size), 0) AS blob_bytes, COALESCE(SUM(stored_size), 0) AS stored_bytes").
		Scan(&b).Error
	if err != nil {
		return t, errs.Storage("cache totals", err)
	}
	t.UniqueBlobs, t.BlobBytes, t.StoredBytes = b.UniqueBlobs, b.BlobBytes, b.StoredBytes
	return t, nil
}

func (r *SQLiteCacheIndex) Blob(ctx context.Context, checksum string) (*models.CacheBlob, error) {
	var rec cacheBlobRecord
	err := r.db.Gorm(ctx).Where("checksum = ?", checksum).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Storage("cache blob", err)
	}
	return &models.CacheBlob{Checksum: rec.Checksum, Size: rec.Size, StoredSize: rec.StoredSize,
		Compressed: rec.Compressed, Refcount: rec.Refcount}, nil
}

func cacheEntryToRecord(e models.CacheEntry) cacheEntryRecord {
	return cacheEntryRecord{
		Key: e.Key, Checksum: e.Checksum, Size: e.Size, DataType: e.DataType, Provider: e.Provider,
		CreatedAt: toMillis(e.CreatedAt), ExpiresAt: optMillis(e.ExpiresAt),
		LastAccessed: toMillis(e.LastAccessed), AccessCount: e.AccessCount,
		Permanent: e.Permanent, Compressed: e.Compressed,
	}
}

func (r cacheEntryRecord) model() models.CacheEntry {
	return models.CacheEntry{
		Key: r.Key, Checksum: r.Checksum, Size: r.Size, DataType: r.DataType, Provider: r.Provider,
		CreatedAt: fromMillis(r.CreatedAt), ExpiresAt: optTime(r.ExpiresAt),
		LastAccessed: fromMillis(r.LastAccessed), AccessCount: r.AccessCount,
		Permanent: r.Permanent, Compressed: r.Compressed,
	}
}
