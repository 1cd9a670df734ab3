// Package database provides the SQL storage layer for vulnz.
//
// Two backends are supported: SQLite (modernc.org/sqlite, the default) and
// PostgreSQL (lib/pq). Queries are written with ? placeholders and passed
// through Rebind so the same SQL works on both.
package database

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// DefaultMaxOpenConns is the connection pool size used when none is configured.
const DefaultMaxOpenConns = 10

type DB struct {
	*sqlx.DB
	dialect Dialect
}

func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Open opens (creating if needed) a SQLite database at path. Foreign keys
// are enabled on every pooled connection so ON DELETE CASCADE applies.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	sqlDB, err := sqlx.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	return &DB{DB: sqlDB, dialect: DialectSQLite}, nil
}

func sqliteDSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Set("_time_format", "sqlite")
	return "file:" + path + "?" + q.Encode()
}

func OpenPostgres(dsn string) (*DB, error) {
	sqlDB, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres database: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	return &DB{DB: sqlDB, dialect: DialectPostgres}, nil
}

// Options selects and sizes a database backend.
type Options struct {
	Driver       string
	Path         string
	URL          string
	MaxOpenConns int
}

// OpenWith opens the backend named by opts.Driver and sizes its pool.
func OpenWith(opts Options) (*DB, error) {
	var (
		db  *DB
		err error
	)
	switch opts.Driver {
	case "postgres":
		db, err = OpenPostgres(opts.URL)
	default:
		db, err = Open(opts.Path)
	}
	if err != nil {
		return nil, err
	}

	n := opts.MaxOpenConns
	if n <= 0 {
		n = DefaultMaxOpenConns
	}
	db.SetMaxOpenConns(n)
	db.SetMaxIdleConns(n)
	return db, nil
}

// OpenAndMigrate opens the database and applies pending migrations.
func OpenAndMigrate(ctx context.Context, opts Options) (*DB, error) {
	db, err := OpenWith(opts)
	if err != nil {
		return nil, err
	}
	if _, err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	return db, nil
}

// HealthCheck reports whether the database answers a trivial query.
func (db *DB) HealthCheck(ctx context.Context) error {
	var one int
	return db.GetContext(ctx, &one, "SELECT 1")
}

// now returns the timestamp written into created_at/updated_at columns.
// It is a variable so tests can pin it.
var now = func() time.Time { return ts(time.Now()) }

// ts normalises a time before it is bound as a parameter. SQLite compares
// timestamps as text, so every stored value must share one layout.
func ts(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
