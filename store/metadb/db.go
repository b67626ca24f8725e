package metadb

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("metadb: not found")

// Index provides metadata storage for the disk cache tier.
type Index interface {
	// Lifecycle
	Open(path string) error
	Close() error

	// Record operations. Put replaces any existing record for the same
	// (key, format) pair; records are never mutated in place.
	Put(ctx context.Context, rec *Record) error
	Get(ctx context.Context, key, format string) (*Record, error)
	Delete(ctx context.Context, key, format string) error

	// Eviction queries
	Expired(ctx context.Context, before time.Time, limit int) ([]Ref, error)
	ScanOldest(ctx context.Context, fn func(rec *Record) bool) error
	List(ctx context.Context) ([]Ref, error)

	// Aggregates
	TotalSize(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (*Stats, error)
}

// New creates a new Index backed by bbolt.
func New(opts ...BoltDBOption) Index {
	return NewBoltDB(opts...)
}
