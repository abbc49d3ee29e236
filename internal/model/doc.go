// Package model defines the core data types used throughout the pipeline.
//
// Key types:
//   - Sample: one finalized counter-delta interval for an interface
//   - Marker: a recorded discontinuity (rollover, spike, sleep)
//   - Tier: storage tier (Raw, Minute, Hour)
//   - Bucket: one rollup tier row
//   - Point / RangeStats: query response elements
package model
