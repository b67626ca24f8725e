package cache

import "sync/atomic"

// Counters is the single owner of chain-level request statistics. Each
// logical event is counted exactly once per Get call: one total, one
// outcome per tier consulted, one upstream fetch, one conversion.
type Counters struct {
	totalRequests   atomic.Int64
	fastHits        atomic.Int64
	fastMisses      atomic.Int64
	diskHits        atomic.Int64
	diskMisses      atomic.Int64
	upstreamFetches atomic.Int64
	conversions     atomic.Int64
}

// CountersSnapshot is a point-in-time copy of the chain counters.
type CountersSnapshot struct {
	TotalRequests   int64   `json:"total_requests"`
	FastHits        int64   `json:"fast_hits"`
	FastMisses      int64   `json:"fast_misses"`
	DiskHits        int64   `json:"disk_hits"`
	DiskMisses      int64   `json:"disk_misses"`
	UpstreamFetches int64   `json:"upstream_fetches"`
	Conversions     int64   `json:"conversions"`
	FastHitRate     float64 `json:"fast_hit_rate"`
	DiskHitRate     float64 `json:"disk_hit_rate"`
}

// Snapshot returns a copy of the counters with derived hit rates.
func (c *Counters) Snapshot() CountersSnapshot {
	snap := CountersSnapshot{
		TotalRequests:   c.totalRequests.Load(),
		FastHits:        c.fastHits.Load(),
		FastMisses:      c.fastMisses.Load(),
		DiskHits:        c.diskHits.Load(),
		DiskMisses:      c.diskMisses.Load(),
		UpstreamFetches: c.upstreamFetches.Load(),
		Conversions:     c.conversions.Load(),
	}

	snap.FastHitRate = hitRate(snap.FastHits, snap.FastMisses)
	snap.DiskHitRate = hitRate(snap.DiskHits, snap.DiskMisses)

	return snap
}

// Reset zeroes every counter.
func (c *Counters) Reset() {
	c.totalRequests.Store(0)
	c.fastHits.Store(0)
	c.fastMisses.Store(0)
	c.diskHits.Store(0)
	c.diskMisses.Store(0)
	c.upstreamFetches.Store(0)
	c.conversions.Store(0)
}

func hitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}

	return float64(hits) / float64(total)
}
