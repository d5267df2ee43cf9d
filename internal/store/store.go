package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Supported driver names, as registered with database/sql.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// Provider hands out one connection per cycle.
type Provider interface {
	Acquire(ctx context.Context) (Conn, error)
}

// Conn is a single store connection owned by one cycle.
//
// While auto-commit is off, every statement prepared on the connection runs
// inside one transaction that is ended by Commit or Rollback.
type Conn interface {
	Prepare(ctx context.Context, query string) (Stmt, error)
	AutoCommit() (bool, error)
	SetAutoCommit(on bool) error
	Commit() error
	Rollback() error
	// URL identifies the destination for lineage; "" when unknown.
	URL() string
	Close() error
}

// Stmt is a prepared statement scoped to one connection.
type Stmt interface {
	// AddBatch queues one set of arguments for ExecuteBatch.
	AddBatch(args []any) error
	// ExecuteBatch runs every queued argument set and reports one row count
	// per set. A failure returns a *BatchError holding the counts reported
	// before (and, with continue-on-error, after) the failing set.
	ExecuteBatch(ctx context.Context) ([]int64, error)
	// ExecuteUpdate runs the statement once and returns the affected rows.
	ExecuteUpdate(ctx context.Context, args []any) (int64, error)
	// GeneratedKey returns the key generated by the last ExecuteUpdate, if
	// the driver reported one.
	GeneratedKey() (string, bool)
	Close() error
}

// Store is a database/sql backed Provider.
type Store struct {
	db     *sql.DB
	driver string
	url    string

	continueOnError bool
	savepoints      bool
}

// Option configures a Store.
type Option func(*Store)

// WithContinueOnError makes ExecuteBatch keep going after a failing argument
// set, recording ExecuteFailed for it, instead of stopping at the first error.
func WithContinueOnError(on bool) Option {
	return func(s *Store) {
		s.continueOnError = on
	}
}

// WithStatementSavepoints wraps every statement run inside a transaction in
// its own savepoint, so a failed statement is undone alone and the rest of the
// transaction stays usable. It is on by default for PostgreSQL, which
// otherwise refuses every later statement of a transaction after one fails.
func WithStatementSavepoints(on bool) Option {
	return func(s *Store) {
		s.savepoints = on
	}
}

// Open opens the target store for driver ("sqlite3" or "pgx") at dsn.
//
// SQLite databases are configured like the journal: WAL mode, NORMAL
// synchronous, a 5-second busy timeout and foreign keys on. SQLite allows a
// single writer, so the pool is limited to one connection.
func Open(driver, dsn string, opts ...Option) (*Store, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported driver %q (want %s or %s)", driver, DriverSQLite, DriverPostgres)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if err := ApplyPragmas(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply pragmas: %w", err)
		}
	}

	s := &Store{
		db:         db,
		driver:     driver,
		url:        DestinationURL(driver, dsn),
		savepoints: driver == DriverPostgres,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Acquire takes a dedicated connection from the pool. It blocks until one is
// free or ctx is done.
func (s *Store) Acquire(ctx context.Context) (Conn, error) {
	c, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return &sqlConn{
		conn:            c,
		url:             s.url,
		autoCommit:      true,
		continueOnError: s.continueOnError,
		savepoints:      s.savepoints,
	}, nil
}

// Driver returns the database/sql driver name.
func (s *Store) Driver() string {
	return s.driver
}

// URL returns the destination identity used for lineage.
func (s *Store) URL() string {
	return s.url
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - statements run here bypass cycle transactions.
func (s *Store) DB() *sql.DB {
	return s.db
}

// ApplyPragmas sets the SQLite configuration shared by the target store and
// the journal.
func ApplyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// isMemoryDSN reports whether an SQLite DSN names an in-memory database.
func isMemoryDSN(dsn string) bool {
	return dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
}
