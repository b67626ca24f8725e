// Package cache implements the tiered lookup chain: in-memory fast
// tier, then persistent disk tier, then the rate-limited upstream API,
// promoting values upward as they are found.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mediacache/mediacache"
	"github.com/mediacache/mediacache/convert"
	"github.com/mediacache/mediacache/store/disk"
	"github.com/mediacache/mediacache/store/fast"
	"github.com/mediacache/mediacache/telemetry"
	"github.com/mediacache/mediacache/upstream"
)

// DefaultFastTTL is how long promoted entries live in the fast tier.
const DefaultFastTTL = 7 * 24 * time.Hour

// DefaultCleanupBatchSize bounds each expired-record sweep.
const DefaultCleanupBatchSize = 1000

// cleanupTargetPercent is how far below the disk budget eviction aims.
const cleanupTargetPercent = 0.8

// DiskStore is the persistent tier consumed by the chain.
type DiskStore interface {
	Store(ctx context.Context, key string, content []byte, format string, originalSize int64, derived bool) error
	Get(ctx context.Context, key, format string) ([]byte, bool, error)
	CleanupExpired(ctx context.Context, batchSize int) (int, error)
	CleanupOldest(ctx context.Context, targetSize int64) (int, error)
	Clear(ctx context.Context) (int, error)
	Stats(ctx context.Context) (*disk.Stats, error)
}

// Fetcher resolves keys against the upstream API.
type Fetcher interface {
	FetchInfo(ctx context.Context, key string) (*upstream.FileInfo, error)
	FetchContent(ctx context.Context, location string) ([]byte, error)
}

// ConvertFunc derives the servable form of raw upstream content.
type ConvertFunc func(raw []byte, source mediacache.Format) (mediacache.Format, []byte, error)

// Source names the tier that produced a result.
type Source string

const (
	SourceFast     Source = "fast"
	SourceDisk     Source = "disk"
	SourceUpstream Source = "upstream"
)

// Result is the outcome of a chain lookup.
type Result struct {
	Content  []byte
	MimeType string
	Format   mediacache.Format
	Derived  bool
	Source   Source
}

// CleanupResult reports entries removed per cleanup routine.
type CleanupResult struct {
	DiskExpired int `json:"disk_expired"`
	DiskEvicted int `json:"disk_evicted"`
}

// ClearResult reports entries removed per tier.
type ClearResult struct {
	Fast int `json:"fast"`
	Disk int `json:"disk"`
}

// ChainStats aggregates per-tier statistics with the chain counters.
type ChainStats struct {
	Requests CountersSnapshot      `json:"requests"`
	Fast     *fast.Stats           `json:"fast"`
	Disk     *disk.Stats           `json:"disk"`
	Upstream *upstream.ClientStats `json:"upstream,omitempty"`
}

// Chain orchestrates the tiers. Cache-tier failures are recovered
// locally and never fail a read; only upstream errors propagate.
type Chain struct {
	fast     fast.Tier
	disk     DiskStore
	fetcher  Fetcher
	strategy *Strategy
	convert  ConvertFunc
	counters Counters
	logger   *slog.Logger

	fastTTL      time.Duration
	cleanupBatch int
	diskBudget   int64

	group        singleflight.Group
	singleFlight bool
}

// Option configures a Chain.
type Option func(*Chain)

// WithLogger sets the chain logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Chain) {
		c.logger = logger
	}
}

// WithStrategy overrides the placement strategy.
func WithStrategy(s *Strategy) Option {
	return func(c *Chain) {
		c.strategy = s
	}
}

// WithConverter overrides the format converter, used for testing.
func WithConverter(fn ConvertFunc) Option {
	return func(c *Chain) {
		c.convert = fn
	}
}

// WithFastTTL sets the TTL applied to fast-tier promotions.
func WithFastTTL(ttl time.Duration) Option {
	return func(c *Chain) {
		c.fastTTL = ttl
	}
}

// WithCleanupBatchSize bounds each expired-record sweep.
func WithCleanupBatchSize(n int) Option {
	return func(c *Chain) {
		c.cleanupBatch = n
	}
}

// WithDiskBudget sets the disk size budget enforced by Cleanup. Zero
// disables size-based eviction.
func WithDiskBudget(bytes int64) Option {
	return func(c *Chain) {
		c.diskBudget = bytes
	}
}

// WithSingleFlight dedupes concurrent lookups for the same key so a
// burst of requests for a cold key results in one upstream fetch.
func WithSingleFlight() Option {
	return func(c *Chain) {
		c.singleFlight = true
	}
}

// New creates a chain over the given tiers and upstream fetcher.
func New(fastTier fast.Tier, diskStore DiskStore, fetcher Fetcher, opts ...Option) *Chain {
	c := &Chain{
		fast:         fastTier,
		disk:         diskStore,
		fetcher:      fetcher,
		strategy:     NewStrategy(0, 0),
		convert:      convert.Convert,
		logger:       slog.Default(),
		fastTTL:      DefaultFastTTL,
		cleanupBatch: DefaultCleanupBatchSize,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Get looks key up through the tiers, promoting upward on lower-tier
// hits and fetching from the upstream on a full miss.
func (c *Chain) Get(ctx context.Context, key string) (*Result, error) {
	c.counters.totalRequests.Add(1)

	if !c.singleFlight {
		return c.lookup(ctx, key)
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.lookup(ctx, key)
	})
	if err != nil {
		return nil, err
	}

	return v.(*Result), nil
}

func (c *Chain) lookup(ctx context.Context, key string) (*Result, error) {
	if res := c.fromFast(ctx, key); res != nil {
		return res, nil
	}

	if res := c.fromDisk(ctx, key); res != nil {
		return res, nil
	}

	return c.fromUpstream(ctx, key)
}

func (c *Chain) fromFast(ctx context.Context, key string) *Result {
	entry, found, err := c.fast.Get(ctx, key)
	if err != nil {
		c.logger.Warn("fast tier read failed", "key", key, "error", err)
	}
	if !found {
		c.counters.fastMisses.Add(1)
		telemetry.RecordTierLookup(ctx, "fast", "miss")
		return nil
	}

	c.counters.fastHits.Add(1)
	telemetry.RecordTierLookup(ctx, "fast", "hit")

	return &Result{
		Content:  entry.Content,
		MimeType: entry.MimeType,
		Format:   mediacache.Format(entry.Format),
		Derived:  entry.Derived,
		Source:   SourceFast,
	}
}

// fromDisk tries each candidate variant in preference order. The first
// hit wins and is promoted to the fast tier when the strategy approves.
func (c *Chain) fromDisk(ctx context.Context, key string) *Result {
	for _, format := range mediacache.DiskLookupOrder {
		content, found, err := c.disk.Get(ctx, key, format.String())
		if err != nil {
			c.logger.Warn("disk tier read failed", "key", key, "format", format.String(), "error", err)
			continue
		}
		if !found {
			continue
		}

		c.counters.diskHits.Add(1)
		telemetry.RecordTierLookup(ctx, "disk", "hit")

		derived := format == mediacache.FormatAnimJSON
		c.promote(ctx, key, content, format, derived)

		return &Result{
			Content:  content,
			MimeType: format.MIMEType(),
			Format:   format,
			Derived:  derived,
			Source:   SourceDisk,
		}
	}

	c.counters.diskMisses.Add(1)
	telemetry.RecordTierLookup(ctx, "disk", "miss")

	return nil
}

func (c *Chain) fromUpstream(ctx context.Context, key string) (*Result, error) {
	c.counters.upstreamFetches.Add(1)

	fetchStart := time.Now()

	info, err := c.fetcher.FetchInfo(ctx, key)
	if err != nil {
		telemetry.RecordUpstreamFetch(ctx, "error", time.Since(fetchStart), 0)
		return nil, fmt.Errorf("resolving %q: %w", key, err)
	}

	raw, err := c.fetcher.FetchContent(ctx, info.Location)
	if err != nil {
		telemetry.RecordUpstreamFetch(ctx, "error", time.Since(fetchStart), 0)
		return nil, fmt.Errorf("downloading %q: %w", key, err)
	}

	telemetry.RecordUpstreamFetch(ctx, "ok", time.Since(fetchStart), int64(len(raw)))

	source := mediacache.DetectFormat(info.Location, raw)

	format, content, derived := source, raw, false
	if source.RequiresConversion() {
		convertStart := time.Now()
		converted, convertedContent, err := c.convert(raw, source)
		if err != nil {
			telemetry.RecordConversion(ctx, source.String(), "failed", time.Since(convertStart))
			// serve the original bytes rather than fail the request;
			// raw convertible content is never persisted
			c.logger.Warn("conversion failed, serving original", "key", key,
				"format", source.String(), "error", err)

			return &Result{
				Content:  raw,
				MimeType: source.MIMEType(),
				Format:   source,
				Derived:  false,
				Source:   SourceUpstream,
			}, nil
		}

		c.counters.conversions.Add(1)
		telemetry.RecordConversion(ctx, source.String(), "ok", time.Since(convertStart))
		format, content, derived = converted, convertedContent, true
	}

	if c.strategy.ShouldPlaceInDiskTier(format, int64(len(content))) {
		if err := c.disk.Store(ctx, key, content, format.String(), int64(len(raw)), derived); err != nil {
			c.logger.Warn("disk tier write failed", "key", key, "format", format.String(), "error", err)
		}
	}

	c.promote(ctx, key, content, format, derived)

	return &Result{
		Content:  content,
		MimeType: format.MIMEType(),
		Format:   format,
		Derived:  derived,
		Source:   SourceUpstream,
	}, nil
}

// promote writes an entry to the fast tier when the strategy approves.
// Promotion is best-effort and never fails the read.
func (c *Chain) promote(ctx context.Context, key string, content []byte, format mediacache.Format, derived bool) {
	if !c.strategy.ShouldPlaceInFastTier(format, int64(len(content)), derived) {
		return
	}

	entry := &fast.Entry{
		Key:      key,
		Content:  content,
		MimeType: format.MIMEType(),
		Format:   format.String(),
		Derived:  derived,
	}

	if err := c.fast.Set(ctx, entry, c.fastTTL); err != nil {
		c.logger.Warn("fast tier promotion failed", "key", key, "error", err)
	}
}

// Cleanup removes expired disk records and, when a disk budget is set
// and exceeded, evicts oldest-first until the store is back under the
// cleanup target.
func (c *Chain) Cleanup(ctx context.Context) (*CleanupResult, error) {
	expired, err := c.disk.CleanupExpired(ctx, c.cleanupBatch)
	if err != nil {
		return nil, fmt.Errorf("cleaning up expired entries: %w", err)
	}

	result := &CleanupResult{DiskExpired: expired}

	if c.diskBudget > 0 {
		stats, err := c.disk.Stats(ctx)
		if err != nil {
			return result, fmt.Errorf("reading disk stats: %w", err)
		}

		if stats.TotalSize > c.diskBudget {
			target := int64(float64(c.diskBudget) * cleanupTargetPercent)

			evicted, err := c.disk.CleanupOldest(ctx, target)
			if err != nil {
				return result, fmt.Errorf("evicting oldest entries: %w", err)
			}
			result.DiskEvicted = evicted
		}
	}

	if result.DiskExpired > 0 || result.DiskEvicted > 0 {
		c.logger.Info("cache cleanup complete",
			"expired", result.DiskExpired, "evicted", result.DiskEvicted)
	}

	return result, nil
}

// ClearAll empties every tier and resets the chain counters.
func (c *Chain) ClearAll(ctx context.Context) (*ClearResult, error) {
	fastRemoved, err := c.fast.Clear(ctx)
	if err != nil {
		return nil, fmt.Errorf("clearing fast tier: %w", err)
	}

	diskRemoved, err := c.disk.Clear(ctx)
	if err != nil {
		return nil, fmt.Errorf("clearing disk tier: %w", err)
	}

	c.counters.Reset()

	c.logger.Info("cache cleared", "fast", fastRemoved, "disk", diskRemoved)

	return &ClearResult{Fast: fastRemoved, Disk: diskRemoved}, nil
}

// Stats aggregates chain counters with per-tier statistics.
func (c *Chain) Stats(ctx context.Context) (*ChainStats, error) {
	fastStats, err := c.fast.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading fast tier stats: %w", err)
	}

	diskStats, err := c.disk.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading disk tier stats: %w", err)
	}

	stats := &ChainStats{
		Requests: c.counters.Snapshot(),
		Fast:     fastStats,
		Disk:     diskStats,
	}

	if provider, ok := c.fetcher.(interface{ Stats() upstream.ClientStats }); ok {
		clientStats := provider.Stats()
		stats.Upstream = &clientStats
	}

	return stats, nil
}
