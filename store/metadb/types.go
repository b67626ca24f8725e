// Package metadb provides the disk tier's metadata index using bbolt.
//
// One record exists per (key, format) pair currently on disk. The index
// answers existence, expiry and eviction-order queries without touching
// the filesystem.
package metadb

import "time"

// Record contains metadata about a blob stored in the disk tier.
type Record struct {
	Key          string    `json:"key"`
	ContentHash  string    `json:"content_hash"`
	Format       string    `json:"format"`
	Size         int64     `json:"size"`
	OriginalSize int64     `json:"original_size"`
	Derived      bool      `json:"derived"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Ref identifies a record without carrying its full payload.
type Ref struct {
	Key    string
	Format string
}

// Stats holds aggregate index statistics, computed by aggregate query
// rather than a filesystem walk.
type Stats struct {
	TotalFiles int            `json:"total_files"`
	TotalSize  int64          `json:"total_size_bytes"`
	PerFormat  map[string]int `json:"per_format"`
}
