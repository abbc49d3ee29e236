package model

import (
	"fmt"
	"time"
)

// RetentionPolicy holds the per-tier TTLs. A zero TTL is invalid; rows are
// never kept forever, only pruned later.
type RetentionPolicy struct {
	RawTTL    time.Duration
	MinuteTTL time.Duration
	HourTTL   time.Duration
}

// DefaultRetentionPolicy returns the default TTLs for all tiers.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		RawTTL:    TierRaw.DefaultRetention(),
		MinuteTTL: TierMinute.DefaultRetention(),
		HourTTL:   TierHour.DefaultRetention(),
	}
}

// TTL returns the policy's TTL for the given tier.
func (p RetentionPolicy) TTL(t Tier) time.Duration {
	switch t {
	case TierRaw:
		return p.RawTTL
	case TierMinute:
		return p.MinuteTTL
	case TierHour:
		return p.HourTTL
	default:
		return 0
	}
}

// WithTTL returns a copy of the policy with one tier's TTL replaced.
func (p RetentionPolicy) WithTTL(t Tier, ttl time.Duration) RetentionPolicy {
	switch t {
	case TierRaw:
		p.RawTTL = ttl
	case TierMinute:
		p.MinuteTTL = ttl
	case TierHour:
		p.HourTTL = ttl
	}
	return p
}

// Validate checks that every tier has a positive TTL.
func (p RetentionPolicy) Validate() error {
	for _, t := range AllTiers() {
		if p.TTL(t) <= 0 {
			return fmt.Errorf("retention for tier %s must be positive, got %v", t, p.TTL(t))
		}
	}
	return nil
}
