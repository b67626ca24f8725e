package cache

import (
	"github.com/mediacache/mediacache"
)

const (
	// DefaultFastTierMaxBytes is the per-entry size cap for the fast tier.
	DefaultFastTierMaxBytes = 5 << 20

	// DefaultDiskTierMaxBytes is the per-entry size cap for the disk tier.
	DefaultDiskTierMaxBytes = 50 << 20
)

// Priority ranks an entry for observability. Eviction order is strictly
// oldest-first at the disk layer; priority is reporting only.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Strategy decides which tiers an entry belongs in. Pure functions over
// static thresholds, no I/O and no shared state.
type Strategy struct {
	fastMaxBytes int64
	diskMaxBytes int64
}

// NewStrategy creates a strategy with the given per-entry size caps.
// Non-positive caps fall back to the defaults.
func NewStrategy(fastMaxBytes, diskMaxBytes int64) *Strategy {
	if fastMaxBytes <= 0 {
		fastMaxBytes = DefaultFastTierMaxBytes
	}
	if diskMaxBytes <= 0 {
		diskMaxBytes = DefaultDiskTierMaxBytes
	}

	return &Strategy{
		fastMaxBytes: fastMaxBytes,
		diskMaxBytes: diskMaxBytes,
	}
}

// ShouldPlaceInFastTier reports whether an entry belongs in the fast
// tier. Raw convertible formats never do, oversized entries never do;
// otherwise derived entries and preferred formats qualify.
func (s *Strategy) ShouldPlaceInFastTier(format mediacache.Format, sizeBytes int64, derived bool) bool {
	if !format.Valid() || format.RequiresConversion() {
		return false
	}

	if sizeBytes <= 0 || sizeBytes > s.fastMaxBytes {
		return false
	}

	return derived || format.Preferred()
}

// ShouldPlaceInDiskTier reports whether an entry belongs on disk. Any
// valid format qualifies, subject only to the per-entry size cap.
func (s *Strategy) ShouldPlaceInDiskTier(format mediacache.Format, sizeBytes int64) bool {
	if !format.Valid() {
		return false
	}

	return sizeBytes > 0 && sizeBytes <= s.diskMaxBytes
}

// Priority ranks an entry for reporting: small derived entries are the
// most valuable to keep hot, preferred formats of moderate size come
// next, everything else is low.
func (s *Strategy) Priority(format mediacache.Format, sizeBytes int64, derived bool) Priority {
	switch {
	case derived && sizeBytes > 0 && sizeBytes <= s.fastMaxBytes:
		return PriorityHigh
	case format.Preferred() && sizeBytes > 0 && sizeBytes <= s.diskMaxBytes/2:
		return PriorityMedium
	default:
		return PriorityLow
	}
}
