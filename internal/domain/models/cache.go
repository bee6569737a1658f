package models

import "time"

// CacheEntry is the index row mapping a request fingerprint to a blob.
type CacheEntry struct {
	Key          string     `json:"key"`
	Checksum     string     `json:"checksum"`
	Size         int64      `json:"size"`
	DataType     string     `json:"data_type"`
	Provider     string     `json:"provider"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	LastAccessed time.Time  `json:"last_accessed"`
	AccessCount  int64      `json:"access_count"`
	Permanent    bool       `json:"permanent"`
	Compressed   bool       `json:"compressed"`
}

// Expired reports whether a non-permanent entry is past its TTL.
func (e CacheEntry) Expired(now time.Time) bool {
	return !e.Permanent && e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// CacheBlob is one stored payload shared by every entry with its checksum.
type CacheBlob struct {
	Checksum   string `json:"checksum"`
	Size       int64  `json:"size"`
	StoredSize int64  `json:"stored_size"`
	Compressed bool   `json:"compressed"`
	Refcount   int64  `json:"refcount"`
}

// CacheTotals are the aggregate index figures.
type CacheTotals struct {
	Entries      int64 `json:"entries"`
	LogicalBytes int64 `json:"logical_bytes"`
	UniqueBlobs  int64 `json:"unique_blobs"`
	BlobBytes    int64 `json:"blob_bytes"`
	StoredBytes  int64 `json:"stored_bytes"`
}

// DedupSaved is the logical size not stored thanks to shared blobs.
func (t CacheTotals) DedupSaved() int64 {
	if t.LogicalBytes < t.BlobBytes {
		return 0
	}
	return t.LogicalBytes - t.BlobBytes
}
