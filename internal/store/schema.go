package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/netpulse/netpulse/internal/errors"
)

// =============================================================================
// Schema Versioning
// =============================================================================

// schemaVersion is the schema this build writes. Version 2 added the
// discontinuities table and the per-bucket peak rate columns.
const schemaVersion = 2

// Meta table keys.
const (
	metaSchemaVersion   = "schema_version"
	metaCreatedAtMs     = "created_at_ms"
	metaWatermarkMinute = "rollup_watermark_minute_ms"
	metaWatermarkHour   = "rollup_watermark_hour_ms"

	metaRetentionRaw    = "retention_raw_ms"
	metaRetentionMinute = "retention_minute_ms"
	metaRetentionHour   = "retention_hour_ms"

	metaPendingRetentionRaw    = "pending_retention_raw_ms"
	metaPendingRetentionMinute = "pending_retention_minute_ms"
	metaPendingRetentionHour   = "pending_retention_hour_ms"
	metaPendingEffectiveAtMs   = "pending_retention_effective_at_ms"
)

type schemaVersionError struct {
	found int
}

func (e *schemaVersionError) Error() string {
	return fmt.Sprintf("database schema v%d is newer than supported v%d", e.found, schemaVersion)
}

func (e *schemaVersionError) Unwrap() error {
	return errors.ErrSchemaTooNew
}

// versionFromErr extracts the schema version carried by a too-new error.
func versionFromErr(err error) int {
	var sve *schemaVersionError
	if errors.As(err, &sve) {
		return sve.found
	}
	return 0
}

// =============================================================================
// Schema Migration
// =============================================================================

const metaDDL = `CREATE TABLE IF NOT EXISTS meta (
	key VARCHAR PRIMARY KEY,
	value VARCHAR NOT NULL
)`

// migrations holds the schema DDL. Every statement is idempotent, so the
// whole list is safe to run on every open regardless of the on-disk
// version. ALTER statements upgrade v1 tables in place.
var migrations = []struct {
	name string
	sql  string
}{
	{
		name: "interfaces",
		sql: `CREATE TABLE IF NOT EXISTS interfaces (
			id VARCHAR PRIMARY KEY,
			name VARCHAR NOT NULL,
			description VARCHAR DEFAULT '',
			physical BOOLEAN NOT NULL DEFAULT false,
			first_seen_ms BIGINT NOT NULL,
			last_seen_ms BIGINT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT true
		)`,
	},
	{
		name: "samples_raw",
		sql: `CREATE TABLE IF NOT EXISTS samples_raw (
			interface_id VARCHAR NOT NULL,
			start_ms BIGINT NOT NULL,
			end_ms BIGINT NOT NULL,
			bytes_down BIGINT NOT NULL,
			bytes_up BIGINT NOT NULL,
			PRIMARY KEY (interface_id, end_ms)
		)`,
	},
	{
		name: "rollup_minute",
		sql: `CREATE TABLE IF NOT EXISTS rollup_minute (
			interface_id VARCHAR NOT NULL,
			bucket_ms BIGINT NOT NULL,
			bytes_down BIGINT NOT NULL,
			bytes_up BIGINT NOT NULL,
			down_max_bps DOUBLE NOT NULL DEFAULT 0,
			up_max_bps DOUBLE NOT NULL DEFAULT 0,
			sample_count BIGINT NOT NULL,
			PRIMARY KEY (interface_id, bucket_ms)
		)`,
	},
	{
		name: "rollup_hour",
		sql: `CREATE TABLE IF NOT EXISTS rollup_hour (
			interface_id VARCHAR NOT NULL,
			bucket_ms BIGINT NOT NULL,
			bytes_down BIGINT NOT NULL,
			bytes_up BIGINT NOT NULL,
			down_max_bps DOUBLE NOT NULL DEFAULT 0,
			up_max_bps DOUBLE NOT NULL DEFAULT 0,
			sample_count BIGINT NOT NULL,
			PRIMARY KEY (interface_id, bucket_ms)
		)`,
	},
	{
		name: "discontinuities",
		sql: `CREATE TABLE IF NOT EXISTS discontinuities (
			interface_id VARCHAR NOT NULL,
			at_ms BIGINT NOT NULL,
			reason VARCHAR NOT NULL,
			PRIMARY KEY (interface_id, at_ms, reason)
		)`,
	},

	// v1 -> v2 column upgrades
	{
		name: "rollup_minute.down_max_bps",
		sql:  `ALTER TABLE rollup_minute ADD COLUMN IF NOT EXISTS down_max_bps DOUBLE DEFAULT 0`,
	},
	{
		name: "rollup_minute.up_max_bps",
		sql:  `ALTER TABLE rollup_minute ADD COLUMN IF NOT EXISTS up_max_bps DOUBLE DEFAULT 0`,
	},
	{
		name: "rollup_hour.down_max_bps",
		sql:  `ALTER TABLE rollup_hour ADD COLUMN IF NOT EXISTS down_max_bps DOUBLE DEFAULT 0`,
	},
	{
		name: "rollup_hour.up_max_bps",
		sql:  `ALTER TABLE rollup_hour ADD COLUMN IF NOT EXISTS up_max_bps DOUBLE DEFAULT 0`,
	},

	// Indices for time-bounded scans
	{
		name: "idx_samples_raw_end",
		sql:  `CREATE INDEX IF NOT EXISTS idx_samples_raw_end ON samples_raw(end_ms)`,
	},
	{
		name: "idx_rollup_minute_bucket",
		sql:  `CREATE INDEX IF NOT EXISTS idx_rollup_minute_bucket ON rollup_minute(bucket_ms)`,
	},
	{
		name: "idx_rollup_hour_bucket",
		sql:  `CREATE INDEX IF NOT EXISTS idx_rollup_hour_bucket ON rollup_hour(bucket_ms)`,
	},
	{
		name: "idx_discontinuities_at",
		sql:  `CREATE INDEX IF NOT EXISTS idx_discontinuities_at ON discontinuities(at_ms)`,
	},
}

// migrate brings the database to the current schema version.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, metaDDL); err != nil {
		return fmt.Errorf("create meta table: %v: %w", err, errors.ErrStoreCorrupt)
	}

	ver, found, err := s.storedSchemaVersion(ctx)
	if err != nil {
		return err
	}
	if found && ver > schemaVersion {
		return &schemaVersionError{found: ver}
	}

	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %s: %v: %w", m.name, err, errors.ErrMigration)
		}
	}

	if !found {
		now := time.Now().UnixMilli()
		if err := s.setMeta(ctx, metaCreatedAtMs, strconv.FormatInt(now, 10)); err != nil {
			return err
		}
		if err := s.setMeta(ctx, metaSchemaVersion, strconv.Itoa(schemaVersion)); err != nil {
			return err
		}
		log.Info("schema initialized", "version", schemaVersion)
		return nil
	}

	if ver < schemaVersion {
		if err := s.setMeta(ctx, metaSchemaVersion, strconv.Itoa(schemaVersion)); err != nil {
			return err
		}
		log.Info("schema migrated", "from", ver, "to", schemaVersion)
	}
	return nil
}

func (s *Store) storedSchemaVersion(ctx context.Context) (int, bool, error) {
	raw, found, err := s.getMeta(ctx, metaSchemaVersion)
	if err != nil {
		return 0, false, err
	}
	if !found {
		return 0, false, nil
	}
	ver, perr := strconv.Atoi(raw)
	if perr != nil {
		return 0, false, fmt.Errorf("schema version %q: %v: %w", raw, perr, errors.ErrStoreCorrupt)
	}
	return ver, true, nil
}

// SchemaVersion returns the schema version of the open database.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	ver, found, err := s.storedSchemaVersion(ctx)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, errors.ErrStoreCorrupt
	}
	return ver, nil
}

// renameAside moves an unusable database file out of the way, returning
// the backup path.
func renameAside(path, label string) (string, error) {
	backup := fmt.Sprintf("%s.bak.%s.%d", path, label, time.Now().Unix())
	if err := os.Rename(path, backup); err != nil {
		return "", err
	}
	return backup, nil
}

// =============================================================================
// Meta Access
// =============================================================================

func (s *Store) getMeta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read meta %s: %v: %w", key, err, errors.ErrDatabase)
	}
	return value, true, nil
}

func (s *Store) setMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("write meta %s: %v: %w", key, err, errors.ErrDatabase)
	}
	return nil
}

func (s *Store) getMetaInt64(ctx context.Context, key string) (int64, bool, error) {
	raw, found, err := s.getMeta(ctx, key)
	if err != nil || !found {
		return 0, found, err
	}
	v, perr := strconv.ParseInt(raw, 10, 64)
	if perr != nil {
		return 0, false, fmt.Errorf("meta %s=%q: %v: %w", key, raw, perr, errors.ErrStoreCorrupt)
	}
	return v, true, nil
}

func (s *Store) setMetaInt64(ctx context.Context, key string, value int64) error {
	return s.setMeta(ctx, key, strconv.FormatInt(value, 10))
}

func (s *Store) deleteMeta(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM meta WHERE key = ?`, key); err != nil {
			return fmt.Errorf("delete meta %s: %v: %w", key, err, errors.ErrDatabase)
		}
	}
	return nil
}
