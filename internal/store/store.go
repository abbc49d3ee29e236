// Package store persists samples, rollups, interfaces, and discontinuity
// markers in an embedded DuckDB database.
//
// The store owns the tier model on disk: raw samples, minute rollups, and
// hour rollups, each with its own retention. Rollups are watermark-driven
// and idempotent, so a crashed or repeated pass converges to the same rows.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/netpulse/netpulse/internal/errors"
	"github.com/netpulse/netpulse/internal/logging"
)

var log = logging.Component("store")

// =============================================================================
// Store Configuration
// =============================================================================

// Options holds store configuration.
type Options struct {
	// Path is the database file path. ":memory:" opens an in-memory
	// database (used by tests).
	Path string

	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections.
	MaxIdleConns int

	// ConnMaxLifetime is the maximum lifetime of a connection.
	ConnMaxLifetime time.Duration
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions(path string) Options {
	return Options{
		Path:            path,
		MaxOpenConns:    8,
		MaxIdleConns:    4,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// =============================================================================
// Store
// =============================================================================

// Store provides database operations.
//
// Store is safe for concurrent use.
type Store struct {
	db     *sql.DB
	opts   Options
	mu     sync.Mutex
	closed bool
}

// Open opens the database at opts.Path, creating it if absent and
// migrating it if it carries an older schema.
//
// A database that cannot be read, or whose schema version is newer than
// this build understands, is renamed aside and a fresh database is
// created in its place. Data is never destroyed and never downgraded.
func Open(opts Options) (*Store, error) {
	s, err := open(opts)
	if err == nil {
		return s, nil
	}

	var label string
	switch {
	case errors.Is(err, errors.ErrSchemaTooNew):
		label = fmt.Sprintf("v%d", versionFromErr(err))
	case errors.Is(err, errors.ErrStoreCorrupt):
		label = "corrupt"
	default:
		return nil, err
	}

	if opts.Path == inMemoryPath {
		return nil, err
	}

	backup, aerr := renameAside(opts.Path, label)
	if aerr != nil {
		return nil, fmt.Errorf("rename aside: %v: %w", aerr, err)
	}
	log.Warn("database unusable, renamed aside and starting fresh",
		"path", opts.Path, "backup", backup, "cause", err)

	return open(opts)
}

const inMemoryPath = ":memory:"

func open(opts Options) (*Store, error) {
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 8
	}
	if opts.MaxIdleConns <= 0 {
		opts.MaxIdleConns = 4
	}
	if opts.ConnMaxLifetime <= 0 {
		opts.ConnMaxLifetime = 5 * time.Minute
	}

	db, err := sql.Open("duckdb", dsn(opts.Path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %v: %w", err, errors.ErrStoreCorrupt)
	}

	s := &Store{db: db, opts: opts}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func dsn(path string) string {
	if path == inMemoryPath {
		return ""
	}
	return path
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.opts.Path
}

// DB returns the underlying database connection.
// Use with caution, prefer Store methods.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Health checks database connectivity. The writer probes this while the
// store is degraded to decide when to resume flushing.
func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// =============================================================================
// Transaction Support
// =============================================================================

// Transaction executes a function within a database transaction with
// context. If the function returns an error, the transaction is rolled
// back; otherwise it is committed.
func (s *Store) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}
