package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/netpulse/netpulse/internal/errors"
	"github.com/netpulse/netpulse/internal/model"
)

// idFilter renders an optional interface restriction. An empty id list
// means no restriction.
func idFilter(ids []string) (string, []interface{}) {
	if len(ids) == 0 {
		return "", nil
	}
	var b strings.Builder
	b.WriteString(" AND interface_id IN (")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('?')
		args[i] = id
	}
	b.WriteByte(')')
	return b.String(), args
}

// =============================================================================
// Raw Samples
// =============================================================================

// RawRows returns raw samples whose interval end falls in (startMs, endMs],
// oldest first. An empty id list reads all interfaces.
func (s *Store) RawRows(ctx context.Context, ids []string, startMs, endMs int64) ([]model.Sample, error) {
	query := `
		SELECT interface_id, start_ms, end_ms, bytes_down, bytes_up
		FROM samples_raw
		WHERE end_ms > ? AND end_ms <= ?`
	args := []interface{}{startMs, endMs}

	clause, clauseArgs := idFilter(ids)
	query += clause
	args = append(args, clauseArgs...)
	query += ` ORDER BY end_ms, interface_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query raw samples: %v: %w", err, errors.ErrDatabase)
	}
	defer rows.Close()

	var samples []model.Sample
	for rows.Next() {
		var sm model.Sample
		var down, up int64
		if err := rows.Scan(&sm.InterfaceID, &sm.StartMs, &sm.EndMs, &down, &up); err != nil {
			return nil, fmt.Errorf("scan raw sample: %w", err)
		}
		sm.BytesDown = uint64(down)
		sm.BytesUp = uint64(up)
		samples = append(samples, sm)
	}
	return samples, rows.Err()
}

// MaxRawEndMs returns the newest persisted sample interval end, or 0 when
// no samples are stored. Queries merge the live tail strictly after this
// bound.
func (s *Store) MaxRawEndMs(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(end_ms) FROM samples_raw`).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("query raw watermark: %v: %w", err, errors.ErrDatabase)
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64, nil
}

// =============================================================================
// Rollup Buckets
// =============================================================================

func rollupTable(tier model.Tier) (string, error) {
	switch tier {
	case model.TierMinute:
		return "rollup_minute", nil
	case model.TierHour:
		return "rollup_hour", nil
	default:
		return "", fmt.Errorf("tier %s has no rollup table: %w", tier, errors.ErrInvalidRange)
	}
}

// Buckets returns rollup buckets whose start lies in [startMs, endMs),
// oldest first. Callers align startMs down to a bucket boundary when the
// partially-overlapped first bucket should be included. An empty id list
// reads all interfaces.
func (s *Store) Buckets(ctx context.Context, tier model.Tier, ids []string, startMs, endMs int64) ([]model.Bucket, error) {
	table, err := rollupTable(tier)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT interface_id, bucket_ms, bytes_down, bytes_up, down_max_bps, up_max_bps, sample_count
		FROM %s
		WHERE bucket_ms >= ? AND bucket_ms < ?`, table)
	args := []interface{}{startMs, endMs}

	clause, clauseArgs := idFilter(ids)
	query += clause
	args = append(args, clauseArgs...)
	query += ` ORDER BY bucket_ms, interface_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %v: %w", table, err, errors.ErrDatabase)
	}
	defer rows.Close()

	var buckets []model.Bucket
	for rows.Next() {
		var b model.Bucket
		var down, up int64
		if err := rows.Scan(&b.InterfaceID, &b.BucketMs, &down, &up,
			&b.DownMaxBps, &b.UpMaxBps, &b.SampleCount); err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		b.BytesDownTotal = uint64(down)
		b.BytesUpTotal = uint64(up)
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

// =============================================================================
// Interfaces
// =============================================================================

// Interfaces returns all known interfaces, active or not, ordered by id.
func (s *Store) Interfaces(ctx context.Context) ([]model.Interface, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, physical, first_seen_ms, last_seen_ms, active
		FROM interfaces ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query interfaces: %v: %w", err, errors.ErrDatabase)
	}
	defer rows.Close()

	var ifaces []model.Interface
	for rows.Next() {
		var iface model.Interface
		var desc sql.NullString
		if err := rows.Scan(&iface.ID, &iface.Name, &desc, &iface.Physical,
			&iface.FirstSeenMs, &iface.LastSeenMs, &iface.Active); err != nil {
			return nil, fmt.Errorf("scan interface: %w", err)
		}
		if desc.Valid {
			iface.Description = desc.String
		}
		ifaces = append(ifaces, iface)
	}
	return ifaces, rows.Err()
}

// InterfaceByID returns one interface.
func (s *Store) InterfaceByID(ctx context.Context, id string) (model.Interface, error) {
	var iface model.Interface
	var desc sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, physical, first_seen_ms, last_seen_ms, active
		FROM interfaces WHERE id = ?
	`, id).Scan(&iface.ID, &iface.Name, &desc, &iface.Physical,
		&iface.FirstSeenMs, &iface.LastSeenMs, &iface.Active)
	if err == sql.ErrNoRows {
		return iface, fmt.Errorf("%s: %w", id, errors.ErrInterfaceNotFound)
	}
	if err != nil {
		return iface, fmt.Errorf("query interface %s: %v: %w", id, err, errors.ErrDatabase)
	}
	if desc.Valid {
		iface.Description = desc.String
	}
	return iface, nil
}

// =============================================================================
// Discontinuity Markers
// =============================================================================

// Markers returns discontinuity markers in [startMs, endMs), oldest first.
// An empty id list reads all interfaces.
func (s *Store) Markers(ctx context.Context, ids []string, startMs, endMs int64) ([]model.Marker, error) {
	query := `
		SELECT interface_id, at_ms, reason
		FROM discontinuities
		WHERE at_ms >= ? AND at_ms < ?`
	args := []interface{}{startMs, endMs}

	clause, clauseArgs := idFilter(ids)
	query += clause
	args = append(args, clauseArgs...)
	query += ` ORDER BY at_ms, interface_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query markers: %v: %w", err, errors.ErrDatabase)
	}
	defer rows.Close()

	var markers []model.Marker
	for rows.Next() {
		var m model.Marker
		var reason string
		if err := rows.Scan(&m.InterfaceID, &m.AtMs, &reason); err != nil {
			return nil, fmt.Errorf("scan marker: %w", err)
		}
		m.Reason = model.MarkerReason(reason)
		markers = append(markers, m)
	}
	return markers, rows.Err()
}

// =============================================================================
// Tier Statistics
// =============================================================================

// TierStat describes one tier's on-disk footprint.
type TierStat struct {
	Tier     model.Tier
	Rows     int64
	OldestMs int64
	NewestMs int64
}

// TierStats returns row counts and time bounds per tier.
func (s *Store) TierStats(ctx context.Context) ([]TierStat, error) {
	queries := []struct {
		tier model.Tier
		sql  string
	}{
		{model.TierRaw, `SELECT COUNT(*), MIN(end_ms), MAX(end_ms) FROM samples_raw`},
		{model.TierMinute, `SELECT COUNT(*), MIN(bucket_ms), MAX(bucket_ms) FROM rollup_minute`},
		{model.TierHour, `SELECT COUNT(*), MIN(bucket_ms), MAX(bucket_ms) FROM rollup_hour`},
	}

	stats := make([]TierStat, 0, len(queries))
	for _, q := range queries {
		var count int64
		var oldest, newest sql.NullInt64
		if err := s.db.QueryRowContext(ctx, q.sql).Scan(&count, &oldest, &newest); err != nil {
			return nil, fmt.Errorf("tier stats %s: %v: %w", q.tier, err, errors.ErrDatabase)
		}
		stat := TierStat{Tier: q.tier, Rows: count}
		if oldest.Valid {
			stat.OldestMs = oldest.Int64
		}
		if newest.Valid {
			stat.NewestMs = newest.Int64
		}
		stats = append(stats, stat)
	}
	return stats, nil
}
