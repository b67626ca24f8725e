package fast

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// DefaultMaxCost is the default total size of fast tier values in bytes.
const DefaultMaxCost = 256 * 1024 * 1024 // 256 MiB

// Ristretto implements Tier using dgraph-io/ristretto, which supports
// per-entry TTL natively.
type Ristretto struct {
	c *ristretto.Cache[string, *Entry]

	count      atomic.Int64
	totalBytes atomic.Int64
}

// NewRistretto creates a ristretto-backed fast tier. maxCost is the
// maximum total size of cached values in bytes; zero uses DefaultMaxCost.
func NewRistretto(maxCost int64) (*Ristretto, error) {
	if maxCost <= 0 {
		maxCost = DefaultMaxCost
	}

	r := &Ristretto{}
	c, err := ristretto.NewCache(&ristretto.Config[string, *Entry]{
		NumCounters: maxCost / 1024 * 10, // ~10x expected items at ~1KiB each
		MaxCost:     maxCost,
		BufferItems: 64,
		OnExit: func(e *Entry) {
			if e == nil {
				return
			}
			r.count.Add(-1)
			r.totalBytes.Add(-e.Size())
		},
		OnReject: func(item *ristretto.Item[*Entry]) {
			if item.Value != nil {
				r.count.Add(-1)
				r.totalBytes.Add(-item.Value.Size())
			}
		},
	})
	if err != nil {
		return nil, err
	}
	r.c = c
	return r, nil
}

// Get retrieves an entry from the cache.
func (r *Ristretto) Get(_ context.Context, key string) (*Entry, bool, error) {
	entry, found := r.c.Get(key)
	if !found {
		return nil, false, nil
	}
	return entry, true, nil
}

// Set stores an entry with the given TTL. The write is flushed before
// returning so a subsequent Get observes it.
func (r *Ristretto) Set(_ context.Context, entry *Entry, ttl time.Duration) error {
	if r.c.SetWithTTL(entry.Key, entry, entry.Size(), ttl) {
		r.count.Add(1)
		r.totalBytes.Add(entry.Size())
	}
	r.c.Wait()
	return nil
}

// Delete removes an entry from the cache.
func (r *Ristretto) Delete(_ context.Context, key string) error {
	r.c.Del(key)
	r.c.Wait()
	return nil
}

// Clear removes every entry and returns how many were dropped.
func (r *Ristretto) Clear(_ context.Context) (int, error) {
	removed := int(r.count.Load())
	r.c.Clear()
	r.count.Store(0)
	r.totalBytes.Store(0)
	return removed, nil
}

// Stats returns approximate entry count and total bytes. Counters drift
// only while writes are in flight.
func (r *Ristretto) Stats(_ context.Context) (*Stats, error) {
	return &Stats{
		Count:      r.count.Load(),
		TotalBytes: r.totalBytes.Load(),
	}, nil
}

// Close shuts down the cache and releases resources.
func (r *Ristretto) Close() {
	r.c.Close()
}

// Compile-time interface check
var _ Tier = (*Ristretto)(nil)
