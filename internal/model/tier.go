package model

import (
	"fmt"
	"time"
)

// Tier represents a storage tier with specific resolution and retention.
type Tier int

const (
	// TierRaw stores raw samples at native sampling resolution (1-10s).
	// Retention: 48 hours
	TierRaw Tier = iota

	// TierMinute stores 1-minute aggregates.
	// Retention: 30 days
	TierMinute

	// TierHour stores hourly aggregates.
	// Retention: 365 days
	TierHour
)

// String returns the string representation of the tier.
func (t Tier) String() string {
	switch t {
	case TierRaw:
		return "raw"
	case TierMinute:
		return "minute"
	case TierHour:
		return "hour"
	default:
		return fmt.Sprintf("unknown(%d)", t)
	}
}

// Duration returns the bucket duration for this tier. For the raw tier
// this is the finest alignment unit used when summing across interfaces,
// not a fixed sampling interval (raw intervals are variable).
func (t Tier) Duration() time.Duration {
	switch t {
	case TierRaw:
		return time.Second
	case TierMinute:
		return time.Minute
	case TierHour:
		return time.Hour
	default:
		return 0
	}
}

// BucketMs returns the bucket duration in milliseconds.
func (t Tier) BucketMs() int64 {
	return t.Duration().Milliseconds()
}

// DefaultRetention returns the default retention duration for this tier.
func (t Tier) DefaultRetention() time.Duration {
	switch t {
	case TierRaw:
		return 48 * time.Hour
	case TierMinute:
		return 30 * 24 * time.Hour // 30 days
	case TierHour:
		return 365 * 24 * time.Hour // 1 year
	default:
		return 0
	}
}

// TruncateMs truncates a millisecond timestamp to the start of its bucket.
func (t Tier) TruncateMs(tsMs int64) int64 {
	bucket := t.BucketMs()
	if bucket <= 0 {
		return tsMs
	}
	return tsMs - tsMs%bucket
}

// BucketForEnd returns the bucket a sample belongs to, given its interval
// end. Intervals are half-open, so a sample ending exactly on a bucket
// boundary belongs to the bucket it covers, not the one starting there.
func (t Tier) BucketForEnd(endMs int64) int64 {
	return t.TruncateMs(endMs - 1)
}

// Next returns the next coarser tier for rollup.
// Returns the same tier if it's the highest tier.
func (t Tier) Next() Tier {
	switch t {
	case TierRaw:
		return TierMinute
	case TierMinute:
		return TierHour
	case TierHour:
		return TierHour // No higher tier
	default:
		return t
	}
}

// Previous returns the previous finer tier.
// Returns the same tier if it's the lowest tier.
func (t Tier) Previous() Tier {
	switch t {
	case TierRaw:
		return TierRaw // No lower tier
	case TierMinute:
		return TierRaw
	case TierHour:
		return TierMinute
	default:
		return t
	}
}

// IsHighest returns true if this is the highest tier.
func (t Tier) IsHighest() bool {
	return t == TierHour
}

// IsLowest returns true if this is the lowest tier.
func (t Tier) IsLowest() bool {
	return t == TierRaw
}

// ParseTier parses a string into a Tier.
func ParseTier(s string) (Tier, error) {
	switch s {
	case "raw":
		return TierRaw, nil
	case "minute":
		return TierMinute, nil
	case "hour":
		return TierHour, nil
	default:
		return TierRaw, fmt.Errorf("unknown tier: %s", s)
	}
}

// AllTiers returns all available tiers in order.
func AllTiers() []Tier {
	return []Tier{TierRaw, TierMinute, TierHour}
}

// Span thresholds for automatic tier selection. Short ranges read the
// raw tier for full fidelity, medium ranges the minute tier, long ranges
// the hour tier.
const (
	rawSpanMax    = 3 * time.Hour
	minuteSpanMax = 7 * 24 * time.Hour
)

// SelectTierForSpan returns the appropriate tier for a query span.
// Selection is purely a function of span length and is deterministic.
func SelectTierForSpan(span time.Duration) Tier {
	switch {
	case span <= rawSpanMax:
		return TierRaw
	case span <= minuteSpanMax:
		return TierMinute
	default:
		return TierHour
	}
}
