package model

import (
	"testing"
	"time"
)

func TestSampleRates(t *testing.T) {
	s := Sample{
		InterfaceID: "eth0",
		StartMs:     0,
		EndMs:       5000,
		BytesDown:   5000,
		BytesUp:     1000,
	}

	if s.DownBps() != 1000.0 {
		t.Errorf("expected 1000 B/s down, got %v", s.DownBps())
	}
	if s.UpBps() != 200.0 {
		t.Errorf("expected 200 B/s up, got %v", s.UpBps())
	}
	if s.Duration() != 5*time.Second {
		t.Errorf("expected 5s duration, got %v", s.Duration())
	}
}

func TestSampleRateDegenerateInterval(t *testing.T) {
	s := Sample{InterfaceID: "eth0", StartMs: 1000, EndMs: 1000, BytesDown: 500}

	if s.DownBps() != 0 {
		t.Errorf("expected 0 rate for zero-length interval, got %v", s.DownBps())
	}
	if s.Valid() {
		t.Error("expected zero-length interval to be invalid")
	}
}

func TestSampleValid(t *testing.T) {
	tests := []struct {
		name   string
		sample Sample
		valid  bool
	}{
		{"normal", Sample{InterfaceID: "eth0", StartMs: 0, EndMs: 1000}, true},
		{"missing interface", Sample{StartMs: 0, EndMs: 1000}, false},
		{"inverted interval", Sample{InterfaceID: "eth0", StartMs: 1000, EndMs: 0}, false},
	}

	for _, tt := range tests {
		if got := tt.sample.Valid(); got != tt.valid {
			t.Errorf("%s: expected valid=%v, got %v", tt.name, tt.valid, got)
		}
	}
}

func TestMarkerReasonIsValid(t *testing.T) {
	for _, r := range ValidMarkerReasons {
		if !r.IsValid() {
			t.Errorf("expected %s to be valid", r)
		}
	}
	if MarkerReason("bogus").IsValid() {
		t.Error("expected bogus reason to be invalid")
	}
}

func TestTierString(t *testing.T) {
	tests := []struct {
		tier     Tier
		expected string
	}{
		{TierRaw, "raw"},
		{TierMinute, "minute"},
		{TierHour, "hour"},
	}

	for _, tt := range tests {
		if tt.tier.String() != tt.expected {
			t.Errorf("expected %s, got %s", tt.expected, tt.tier.String())
		}
	}
}

func TestTierBucketMs(t *testing.T) {
	tests := []struct {
		tier     Tier
		expected int64
	}{
		{TierRaw, 1000},
		{TierMinute, 60_000},
		{TierHour, 3_600_000},
	}

	for _, tt := range tests {
		if tt.tier.BucketMs() != tt.expected {
			t.Errorf("tier %s: expected %d, got %d", tt.tier, tt.expected, tt.tier.BucketMs())
		}
	}
}

func TestTierTruncateMs(t *testing.T) {
	// 2026-01-15 10:37:45.250 UTC
	ts := time.Date(2026, 1, 15, 10, 37, 45, 250_000_000, time.UTC).UnixMilli()

	minute := TierMinute.TruncateMs(ts)
	expected := time.Date(2026, 1, 15, 10, 37, 0, 0, time.UTC).UnixMilli()
	if minute != expected {
		t.Errorf("minute: expected %d, got %d", expected, minute)
	}

	hour := TierHour.TruncateMs(ts)
	expected = time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC).UnixMilli()
	if hour != expected {
		t.Errorf("hour: expected %d, got %d", expected, hour)
	}

	raw := TierRaw.TruncateMs(ts)
	expected = time.Date(2026, 1, 15, 10, 37, 45, 0, time.UTC).UnixMilli()
	if raw != expected {
		t.Errorf("raw: expected %d, got %d", expected, raw)
	}
}

func TestTierNext(t *testing.T) {
	tests := []struct {
		tier     Tier
		expected Tier
	}{
		{TierRaw, TierMinute},
		{TierMinute, TierHour},
		{TierHour, TierHour}, // No higher
	}

	for _, tt := range tests {
		if tt.tier.Next() != tt.expected {
			t.Errorf("tier %s: expected next %s, got %s", tt.tier, tt.expected, tt.tier.Next())
		}
	}
}

func TestSelectTierForSpan(t *testing.T) {
	tests := []struct {
		span     time.Duration
		expected Tier
	}{
		{5 * time.Minute, TierRaw},
		{time.Hour, TierRaw},
		{3 * time.Hour, TierRaw},
		{3*time.Hour + time.Second, TierMinute},
		{24 * time.Hour, TierMinute},
		{7 * 24 * time.Hour, TierMinute},
		{7*24*time.Hour + time.Second, TierHour},
		{365 * 24 * time.Hour, TierHour},
	}

	for _, tt := range tests {
		if got := SelectTierForSpan(tt.span); got != tt.expected {
			t.Errorf("span %v: expected %s, got %s", tt.span, tt.expected, got)
		}
	}
}

func TestParseTier(t *testing.T) {
	tests := []struct {
		input    string
		expected Tier
		hasError bool
	}{
		{"raw", TierRaw, false},
		{"minute", TierMinute, false},
		{"hour", TierHour, false},
		{"weekly", TierRaw, true},
	}

	for _, tt := range tests {
		result, err := ParseTier(tt.input)
		if tt.hasError && err == nil {
			t.Errorf("expected error for input %s", tt.input)
		}
		if !tt.hasError && err != nil {
			t.Errorf("unexpected error for input %s: %v", tt.input, err)
		}
		if !tt.hasError && result != tt.expected {
			t.Errorf("input %s: expected %s, got %s", tt.input, tt.expected, result)
		}
	}
}

func TestPointMeanRates(t *testing.T) {
	p := Point{StartMs: 0, EndMs: 60_000, BytesDown: 60_000, BytesUp: 6_000}

	if p.DownBps() != 1000.0 {
		t.Errorf("expected 1000 B/s down, got %v", p.DownBps())
	}
	if p.UpBps() != 100.0 {
		t.Errorf("expected 100 B/s up, got %v", p.UpBps())
	}
}

func TestRangeStatsPercentiles(t *testing.T) {
	s := RangeStats{}

	if s.HasPercentiles() {
		t.Error("expected no percentiles")
	}

	s.SetDownPercentiles(50.0, 95.0, 99.0)
	s.SetUpPercentiles(5.0, 9.5, 9.9)

	if !s.HasPercentiles() {
		t.Error("expected percentiles")
	}
	if *s.P50DownBps != 50.0 {
		t.Errorf("expected P50=50.0, got %v", *s.P50DownBps)
	}
	if *s.P99UpBps != 9.9 {
		t.Errorf("expected P99=9.9, got %v", *s.P99UpBps)
	}
}

func TestFilterValidate(t *testing.T) {
	tests := []struct {
		name    string
		filter  InterfaceFilter
		wantErr bool
	}{
		{"all", AllInterfaces(), false},
		{"physical", PhysicalInterfaces(), false},
		{"selected", SelectedInterfaces("eth0", "wlan0"), false},
		{"selected empty", SelectedInterfaces(), false},
		{"single", SingleInterface("eth0"), false},
		{"all with ids", InterfaceFilter{Mode: FilterAll, IDs: []string{"eth0"}}, true},
		{"single no id", InterfaceFilter{Mode: FilterSingle}, true},
		{"single two ids", InterfaceFilter{Mode: FilterSingle, IDs: []string{"a", "b"}}, true},
	}

	for _, tt := range tests {
		err := tt.filter.Validate()
		if tt.wantErr && err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
		if !tt.wantErr && err != nil {
			t.Errorf("%s: unexpected error: %v", tt.name, err)
		}
	}
}

func TestRetentionPolicyDefaults(t *testing.T) {
	p := DefaultRetentionPolicy()

	if p.RawTTL != 48*time.Hour {
		t.Errorf("expected 48h raw TTL, got %v", p.RawTTL)
	}
	if p.MinuteTTL != 30*24*time.Hour {
		t.Errorf("expected 30d minute TTL, got %v", p.MinuteTTL)
	}
	if p.HourTTL != 365*24*time.Hour {
		t.Errorf("expected 365d hour TTL, got %v", p.HourTTL)
	}
	if err := p.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRetentionPolicyWithTTL(t *testing.T) {
	p := DefaultRetentionPolicy().WithTTL(TierRaw, 7*24*time.Hour)

	if p.RawTTL != 7*24*time.Hour {
		t.Errorf("expected 7d raw TTL, got %v", p.RawTTL)
	}
	if p.MinuteTTL != 30*24*time.Hour {
		t.Errorf("expected minute TTL unchanged, got %v", p.MinuteTTL)
	}
}

func TestRetentionPolicyValidate(t *testing.T) {
	p := RetentionPolicy{RawTTL: 48 * time.Hour, MinuteTTL: 0, HourTTL: time.Hour}

	if err := p.Validate(); err == nil {
		t.Error("expected error for zero minute TTL")
	}
}
