// LOCATION: internal/store/write.go
//
// Batch insert paths for samples, markers, and interface metadata.
// Inserts use multi-row VALUES with conflict ignores, so a retried flush
// after a partial failure converges instead of duplicating rows.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/netpulse/netpulse/internal/errors"
	"github.com/netpulse/netpulse/internal/model"
)

// maxRowsPerInsert bounds parameters per statement. DuckDB tolerates
// large statements but we stay conservative: 5 columns * 200 rows =
// 1000 parameters.
const maxRowsPerInsert = 200

// =============================================================================
// Samples
// =============================================================================

// InsertSamples inserts raw samples. Re-inserting an existing
// (interface, end) pair is a no-op, so retried flushes are safe.
func (s *Store) InsertSamples(ctx context.Context, samples []model.Sample) error {
	if len(samples) == 0 {
		return nil
	}

	if len(samples) <= maxRowsPerInsert {
		query, args := buildSampleInsert(samples)
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert samples: %v: %w", err, errors.ErrStoreWrite)
		}
		return nil
	}

	err := s.Transaction(ctx, func(tx *sql.Tx) error {
		for i := 0; i < len(samples); i += maxRowsPerInsert {
			end := i + maxRowsPerInsert
			if end > len(samples) {
				end = len(samples)
			}
			query, args := buildSampleInsert(samples[i:end])
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("insert samples: %v: %w", err, errors.ErrStoreWrite)
	}
	return nil
}

func buildSampleInsert(samples []model.Sample) (string, []interface{}) {
	const columnsPerRow = 5

	args := make([]interface{}, 0, len(samples)*columnsPerRow)

	var query strings.Builder
	query.Grow(150 + len(samples)*14)
	query.WriteString(`INSERT INTO samples_raw (interface_id, start_ms, end_ms, bytes_down, bytes_up) VALUES `)

	for i := range samples {
		if i > 0 {
			query.WriteByte(',')
		}
		query.WriteString("(?,?,?,?,?)")

		s := &samples[i]
		args = append(args,
			s.InterfaceID,
			s.StartMs,
			s.EndMs,
			int64(s.BytesDown),
			int64(s.BytesUp),
		)
	}

	query.WriteString(` ON CONFLICT DO NOTHING`)
	return query.String(), args
}

// =============================================================================
// Discontinuity Markers
// =============================================================================

// InsertMarkers inserts discontinuity markers. Duplicates are ignored.
func (s *Store) InsertMarkers(ctx context.Context, markers []model.Marker) error {
	if len(markers) == 0 {
		return nil
	}

	const columnsPerRow = 3
	args := make([]interface{}, 0, len(markers)*columnsPerRow)

	var query strings.Builder
	query.Grow(120 + len(markers)*10)
	query.WriteString(`INSERT INTO discontinuities (interface_id, at_ms, reason) VALUES `)

	for i := range markers {
		if i > 0 {
			query.WriteByte(',')
		}
		query.WriteString("(?,?,?)")
		args = append(args, markers[i].InterfaceID, markers[i].AtMs, string(markers[i].Reason))
	}
	query.WriteString(` ON CONFLICT DO NOTHING`)

	if _, err := s.db.ExecContext(ctx, query.String(), args...); err != nil {
		return fmt.Errorf("insert markers: %v: %w", err, errors.ErrStoreWrite)
	}
	return nil
}

// =============================================================================
// Interfaces
// =============================================================================

// UpsertInterface records an interface sighting. A new interface is
// created with first seen set to last seen; a known one has its mutable
// attributes and last seen refreshed and is marked active again.
func (s *Store) UpsertInterface(ctx context.Context, iface model.Interface) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO interfaces (id, name, description, physical, first_seen_ms, last_seen_ms, active)
		VALUES (?, ?, ?, ?, ?, ?, true)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			physical = excluded.physical,
			last_seen_ms = excluded.last_seen_ms,
			active = true
	`, iface.ID, iface.Name, iface.Description, iface.Physical,
		iface.FirstSeenMs, iface.LastSeenMs)
	if err != nil {
		return fmt.Errorf("upsert interface %s: %v: %w", iface.ID, err, errors.ErrStoreWrite)
	}
	return nil
}

// UpsertInterfaces records a batch of interface sightings.
func (s *Store) UpsertInterfaces(ctx context.Context, ifaces []model.Interface) error {
	if len(ifaces) == 0 {
		return nil
	}
	return s.Transaction(ctx, func(tx *sql.Tx) error {
		for i := range ifaces {
			iface := &ifaces[i]
			_, err := tx.ExecContext(ctx, `
				INSERT INTO interfaces (id, name, description, physical, first_seen_ms, last_seen_ms, active)
				VALUES (?, ?, ?, ?, ?, ?, true)
				ON CONFLICT (id) DO UPDATE SET
					name = excluded.name,
					description = excluded.description,
					physical = excluded.physical,
					last_seen_ms = excluded.last_seen_ms,
					active = true
			`, iface.ID, iface.Name, iface.Description, iface.Physical,
				iface.FirstSeenMs, iface.LastSeenMs)
			if err != nil {
				return fmt.Errorf("upsert interface %s: %v: %w", iface.ID, err, errors.ErrStoreWrite)
			}
		}
		return nil
	})
}

// DeactivateStale marks interfaces inactive when they have not been seen
// since the cutoff. Returns the number of interfaces deactivated.
func (s *Store) DeactivateStale(ctx context.Context, cutoffMs int64) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE interfaces SET active = false
		WHERE active AND last_seen_ms < ?
	`, cutoffMs)
	if err != nil {
		return 0, fmt.Errorf("deactivate stale interfaces: %v: %w", err, errors.ErrStoreWrite)
	}
	return result.RowsAffected()
}
