// Package disk implements the persistent cache tier. Blobs live on a
// storage backend under a two-level hash-prefix hierarchy per format;
// existence, expiry and eviction questions are answered by the metadata
// index instead of filesystem scans.
package disk

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	mediacache "github.com/mediacache/mediacache"
	"github.com/mediacache/mediacache/backend"
	"github.com/mediacache/mediacache/store/metadb"
)

// DefaultTTL is the default time-to-live for disk tier entries.
const DefaultTTL = 30 * 24 * time.Hour

// Cache is the disk cache tier.
type Cache struct {
	backend backend.Backend
	index   metadb.Index
	ttl     time.Duration
	logger  *slog.Logger
	now     func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger for the cache.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithTTL sets the time-to-live for stored entries.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		c.ttl = ttl
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates a disk cache over the given backend and metadata index.
func New(b backend.Backend, index metadb.Index, opts ...Option) *Cache {
	c := &Cache{
		backend: b,
		index:   index,
		ttl:     DefaultTTL,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// blobKey derives the backend key for a (key, format) pair.
// Format: {format}/{hash[0:2]}/{hash[2:4]}/{hash}.{format} — splitting on
// the hash prefix bounds any single directory to roughly n/256 entries.
func blobKey(key, format string) string {
	h := mediacache.HashKey(key).String()
	return fmt.Sprintf("%s/%s/%s/%s.%s", format, h[:2], h[2:4], h, format)
}

// Store writes content to the disk tier. Storing a pair that already
// exists is a no-op success.
func (c *Cache) Store(ctx context.Context, key string, content []byte, format string, originalSize int64, derived bool) error {
	bk := blobKey(key, format)

	exists, err := c.backend.Exists(ctx, bk)
	if err != nil {
		return fmt.Errorf("checking existence: %w", err)
	}
	if exists {
		c.logger.Debug("blob already cached", "key", key, "format", format)
		return nil
	}

	if err := c.backend.Write(ctx, bk, bytes.NewReader(content)); err != nil {
		return fmt.Errorf("writing blob: %w", err)
	}

	if originalSize <= 0 {
		originalSize = int64(len(content))
	}

	now := c.now()
	rec := &metadb.Record{
		Key:          key,
		ContentHash:  mediacache.HashKey(key).String(),
		Format:       format,
		Size:         int64(len(content)),
		OriginalSize: originalSize,
		Derived:      derived,
		CreatedAt:    now,
		ExpiresAt:    now.Add(c.ttl),
	}
	if err := c.index.Put(ctx, rec); err != nil {
		// Roll back the blob so the record⇔blob invariant holds.
		_ = c.backend.Delete(ctx, bk)
		return fmt.Errorf("indexing blob: %w", err)
	}

	c.logger.Debug("stored blob", "key", key, "format", format, "size", len(content), "derived", derived)
	return nil
}

// Get retrieves content from the disk tier. Expired entries are removed
// lazily; a record whose blob has gone missing is self-healed by deleting
// the stale record. Tier lookups never fail the caller: a broken entry is
// a miss.
func (c *Cache) Get(ctx context.Context, key, format string) ([]byte, bool, error) {
	rec, err := c.index.Get(ctx, key, format)
	if err != nil {
		if errors.Is(err, metadb.ErrNotFound) {
			c.misses.Add(1)
			return nil, false, nil
		}
		c.misses.Add(1)
		return nil, false, fmt.Errorf("querying index: %w", err)
	}

	if c.now().After(rec.ExpiresAt) {
		c.logger.Debug("entry expired, removing", "key", key, "format", format, "expires_at", rec.ExpiresAt)
		c.removeEntry(ctx, key, format)
		c.misses.Add(1)
		return nil, false, nil
	}

	rc, err := c.backend.Read(ctx, blobKey(key, format))
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			// Stale record without a blob: heal the index.
			c.logger.Warn("blob missing for indexed record, removing stale record", "key", key, "format", format)
			_ = c.index.Delete(ctx, key, format)
			c.misses.Add(1)
			return nil, false, nil
		}
		c.misses.Add(1)
		return nil, false, fmt.Errorf("reading blob: %w", err)
	}
	defer func() { _ = rc.Close() }()

	content, err := io.ReadAll(rc)
	if err != nil {
		c.misses.Add(1)
		return nil, false, fmt.Errorf("reading blob: %w", err)
	}

	c.hits.Add(1)
	return content, true, nil
}

// Delete removes a blob and its record. Returns whether anything was removed.
func (c *Cache) Delete(ctx context.Context, key, format string) bool {
	return c.removeEntry(ctx, key, format)
}

func (c *Cache) removeEntry(ctx context.Context, key, format string) bool {
	removed := false
	if err := c.backend.Delete(ctx, blobKey(key, format)); err != nil {
		c.logger.Warn("failed to delete blob", "key", key, "format", format, "error", err)
	}
	err := c.index.Delete(ctx, key, format)
	switch {
	case err == nil:
		removed = true
	case !errors.Is(err, metadb.ErrNotFound):
		c.logger.Warn("failed to delete record", "key", key, "format", format, "error", err)
	}
	return removed
}

// CleanupExpired removes expired entries in bounded batches until none
// remain. Each batch queries against the current wall clock, so the
// operation tolerates concurrent stores and is safely interruptible.
func (c *Cache) CleanupExpired(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}

	removed := 0
	for {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		refs, err := c.index.Expired(ctx, c.now(), batchSize)
		if err != nil {
			return removed, fmt.Errorf("querying expired records: %w", err)
		}
		if len(refs) == 0 {
			break
		}

		for _, ref := range refs {
			if c.removeEntry(ctx, ref.Key, ref.Format) {
				removed++
			}
		}
	}

	if removed > 0 {
		c.logger.Info("cleaned up expired entries", "removed", removed)
	}
	return removed, nil
}

// CleanupOldest evicts entries oldest-first by creation time until the
// store's total size is at or below targetSize. Access time plays no
// part; eviction order is strictly by creation time.
func (c *Cache) CleanupOldest(ctx context.Context, targetSize int64) (int, error) {
	total, err := c.index.TotalSize(ctx)
	if err != nil {
		return 0, fmt.Errorf("computing total size: %w", err)
	}
	if total <= targetSize {
		return 0, nil
	}

	toFree := total - targetSize
	var victims []metadb.Ref
	var accumulated int64
	err = c.index.ScanOldest(ctx, func(rec *metadb.Record) bool {
		victims = append(victims, metadb.Ref{Key: rec.Key, Format: rec.Format})
		accumulated += rec.Size
		return accumulated < toFree
	})
	if err != nil {
		return 0, fmt.Errorf("scanning oldest records: %w", err)
	}

	removed := 0
	for _, ref := range victims {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if c.removeEntry(ctx, ref.Key, ref.Format) {
			removed++
		}
	}

	if removed > 0 {
		c.logger.Info("evicted oldest entries", "removed", removed, "bytes_freed", accumulated, "target_size", targetSize)
	}
	return removed, nil
}

// Clear removes every blob and record. Hit/miss counters are reset.
func (c *Cache) Clear(ctx context.Context) (int, error) {
	refs, err := c.index.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing records: %w", err)
	}

	removed := 0
	for _, ref := range refs {
		if c.removeEntry(ctx, ref.Key, ref.Format) {
			removed++
		}
	}

	c.hits.Store(0)
	c.misses.Store(0)

	c.logger.Info("cleared disk cache", "removed", removed)
	return removed, nil
}

// Stats holds disk tier statistics.
type Stats struct {
	TotalFiles int            `json:"total_files"`
	TotalSize  int64          `json:"total_size_bytes"`
	PerFormat  map[string]int `json:"per_format"`
	Hits       int64          `json:"hits"`
	Misses     int64          `json:"misses"`
	HitRate    float64        `json:"hit_rate"`
}

// Stats returns aggregate statistics computed from the index.
func (c *Cache) Stats(ctx context.Context) (*Stats, error) {
	idx, err := c.index.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("querying index stats: %w", err)
	}

	hits := c.hits.Load()
	misses := c.misses.Load()
	var hitRate float64
	if hits+misses > 0 {
		hitRate = float64(hits) / float64(hits+misses)
	}

	return &Stats{
		TotalFiles: idx.TotalFiles,
		TotalSize:  idx.TotalSize,
		PerFormat:  idx.PerFormat,
		Hits:       hits,
		Misses:     misses,
		HitRate:    hitRate,
	}, nil
}
