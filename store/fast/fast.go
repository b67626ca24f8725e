// Package fast defines the in-memory fast tier contract and its
// ristretto-backed implementation.
package fast

import (
	"context"
	"time"
)

// Entry is the unit of storage in the fast tier. The variant format is
// immutable once written: a tier never holds two variants under the
// same key.
type Entry struct {
	Key          string
	Content      []byte
	MimeType     string
	Format       string
	SourceFormat string
	Derived      bool
}

// Size returns the content size in bytes.
func (e *Entry) Size() int64 {
	return int64(len(e.Content))
}

// Stats holds fast tier statistics.
type Stats struct {
	Count      int64 `json:"count"`
	TotalBytes int64 `json:"total_bytes"`
}

// Tier is the fast-tier store contract. Implementations must support
// native TTL and binary-safe values, and be safe for concurrent use.
type Tier interface {
	Get(ctx context.Context, key string) (*Entry, bool, error)
	Set(ctx context.Context, entry *Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) (int, error)
	Stats(ctx context.Context) (*Stats, error)
	Close()
}
