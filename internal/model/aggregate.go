package model

import "time"

// Bucket is one rollup tier row: the deterministic fold of all finer rows
// whose interval end falls inside the bucket.
type Bucket struct {
	// Identity
	InterfaceID string
	BucketMs    int64 // bucket start, Unix milliseconds

	// Totals (exact integer sums of the folded rows)
	BytesDownTotal uint64
	BytesUpTotal   uint64

	// Peak mean rates observed among the folded rows
	DownMaxBps float64
	UpMaxBps   float64

	// Number of underlying raw samples represented
	SampleCount int64
}

// BucketTime returns the bucket start as a time.Time.
func (b *Bucket) BucketTime() time.Time {
	return time.UnixMilli(b.BucketMs)
}

// IsEmpty returns true if no samples were folded into the bucket.
func (b *Bucket) IsEmpty() bool {
	return b.SampleCount == 0
}

// Point is one element of a query response series.
type Point struct {
	StartMs int64
	EndMs   int64

	BytesDown uint64
	BytesUp   uint64

	// Peak mean rates within the point's span. For an undownsampled raw
	// point these equal the sample's own mean rates.
	DownMaxBps float64
	UpMaxBps   float64

	// Downsampled is true when the point folds more than one source bucket
	// to respect the caller's point budget.
	Downsampled bool
}

// Duration returns the point's span.
func (p *Point) Duration() time.Duration {
	return time.Duration(p.EndMs-p.StartMs) * time.Millisecond
}

// DownBps returns the mean download rate over the point's span.
func (p *Point) DownBps() float64 {
	elapsed := float64(p.EndMs-p.StartMs) / 1000.0
	if elapsed <= 0 {
		return 0
	}
	return float64(p.BytesDown) / elapsed
}

// UpBps returns the mean upload rate over the point's span.
func (p *Point) UpBps() float64 {
	elapsed := float64(p.EndMs-p.StartMs) / 1000.0
	if elapsed <= 0 {
		return 0
	}
	return float64(p.BytesUp) / elapsed
}

// RangeStats summarizes a queried range. It is computed in the same pass
// that produces the series, so totals and peaks always agree with the
// plotted points.
type RangeStats struct {
	TotalDown uint64
	TotalUp   uint64

	PeakDownBps float64
	PeakUpBps   float64

	// Rate percentiles (optional, nil when the pass saw no rows)
	P50DownBps *float64
	P95DownBps *float64
	P99DownBps *float64
	P50UpBps   *float64
	P95UpBps   *float64
	P99UpBps   *float64

	// Number of points the statistics were derived from
	SampleCount int64
}

// HasPercentiles returns true if percentile data is available.
func (s *RangeStats) HasPercentiles() bool {
	return s.P50DownBps != nil
}

// SetDownPercentiles sets the download rate percentiles.
func (s *RangeStats) SetDownPercentiles(p50, p95, p99 float64) {
	s.P50DownBps = &p50
	s.P95DownBps = &p95
	s.P99DownBps = &p99
}

// SetUpPercentiles sets the upload rate percentiles.
func (s *RangeStats) SetUpPercentiles(p50, p95, p99 float64) {
	s.P50UpBps = &p50
	s.P95UpBps = &p95
	s.P99UpBps = &p99
}
