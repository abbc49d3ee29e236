package model

import "time"

// Sample represents one finalized measurement interval for a single
// interface: the byte counts moved between two consecutive counter reads.
// This is the primary data unit flowing through the pipeline.
type Sample struct {
	// Identity
	InterfaceID string

	// Interval bounds, Unix milliseconds. StartMs is the previous poll's
	// timestamp, EndMs the current one. Invariant: EndMs > StartMs.
	StartMs int64
	EndMs   int64

	// Byte deltas over the interval, per direction.
	BytesDown uint64
	BytesUp   uint64
}

// StartTime returns the interval start as a time.Time.
func (s *Sample) StartTime() time.Time {
	return time.UnixMilli(s.StartMs)
}

// EndTime returns the interval end as a time.Time.
func (s *Sample) EndTime() time.Time {
	return time.UnixMilli(s.EndMs)
}

// Duration returns the interval length.
func (s *Sample) Duration() time.Duration {
	return time.Duration(s.EndMs-s.StartMs) * time.Millisecond
}

// DownBps returns the mean download rate implied by the interval.
// Returns 0 for degenerate intervals.
func (s *Sample) DownBps() float64 {
	elapsed := float64(s.EndMs-s.StartMs) / 1000.0
	if elapsed <= 0 {
		return 0
	}
	return float64(s.BytesDown) / elapsed
}

// UpBps returns the mean upload rate implied by the interval.
func (s *Sample) UpBps() float64 {
	elapsed := float64(s.EndMs-s.StartMs) / 1000.0
	if elapsed <= 0 {
		return 0
	}
	return float64(s.BytesUp) / elapsed
}

// Valid reports whether the sample satisfies the interval invariant.
func (s *Sample) Valid() bool {
	return s.InterfaceID != "" && s.EndMs > s.StartMs
}

// MarkerReason classifies why a gap exists in an interface's history.
type MarkerReason string

const (
	// ReasonRollover marks a counter reset or 32-bit wrap (current < previous).
	ReasonRollover MarkerReason = "rollover"
	// ReasonSpike marks a sample discarded for exceeding the rate ceiling.
	ReasonSpike MarkerReason = "spike"
	// ReasonSleep marks an interval long enough to imply system suspend.
	ReasonSleep MarkerReason = "sleep"
	// ReasonBaselineReset marks a re-baselined interface (appearance or
	// description change), where the first reading emits no delta.
	ReasonBaselineReset MarkerReason = "baseline-reset"
)

// ValidMarkerReasons lists all recognized marker reasons.
var ValidMarkerReasons = []MarkerReason{
	ReasonRollover,
	ReasonSpike,
	ReasonSleep,
	ReasonBaselineReset,
}

// IsValid reports whether the reason is a recognized value.
func (r MarkerReason) IsValid() bool {
	for _, v := range ValidMarkerReasons {
		if r == v {
			return true
		}
	}
	return false
}

// Marker records a zero-duration discontinuity for an interface. Markers
// keep the raw tier honest: a gap between samples is deliberate where a
// marker exists, lost data where none does.
type Marker struct {
	InterfaceID string
	AtMs        int64
	Reason      MarkerReason
}

// AtTime returns the marker timestamp as a time.Time.
func (m *Marker) AtTime() time.Time {
	return time.UnixMilli(m.AtMs)
}

// RateUpdate is one element of the live push subscription: the rates
// implied by the most recent tick, independent of persistence.
type RateUpdate struct {
	InterfaceID string
	TsMs        int64
	DownBps     float64
	UpBps       float64
}
