// Package database opens the durable SQL backend shared by the nonce ledger,
// the rate limiter and the proposal store.
package database

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder style and locking clauses.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// DB is a *sql.DB that knows which dialect it speaks.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Wrap pairs an existing handle with its dialect. Used with sqlmock in tests.
func Wrap(db *sql.DB, d Dialect) *DB {
	return &DB{DB: db, Dialect: d}
}

// Options tunes the SQLite connection. Ignored for Postgres.
type Options struct {
	BusyTimeout time.Duration
}

// Open connects to driver ("sqlite" or "postgres") at dsn. For SQLite the
// parent directory is created and every transaction begins IMMEDIATE so that
// read-modify-write sequences serialize across processes.
func Open(driver, dsn string, opts Options) (*DB, error) {
	switch Dialect(driver) {
	case SQLite:
		if opts.BusyTimeout <= 0 {
			opts.BusyTimeout = 5 * time.Second
		}
		if dir := filepath.Dir(dsn); dsn != ":memory:" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		db, err := sql.Open("sqlite", SQLiteDSN(dsn, opts.BusyTimeout))
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		return &DB{DB: db, Dialect: SQLite}, nil
	case Postgres:
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		return &DB{DB: db, Dialect: Postgres}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// SQLiteDSN builds a modernc.org/sqlite DSN with WAL, a busy timeout and
// IMMEDIATE transactions.
func SQLiteDSN(path string, busy time.Duration) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout("+strconv.FormatInt(busy.Milliseconds(), 10)+")")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// Rebind rewrites '?' placeholders to '$N' for Postgres. Queries in this
// module never contain a literal '?' inside string constants.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Rebind is shorthand for db.Dialect.Rebind.
func (db *DB) Rebind(query string) string {
	return db.Dialect.Rebind(query)
}

// ForUpdate returns the row-locking suffix for a SELECT inside a transaction.
// SQLite transactions already hold the write lock.
func (db *DB) ForUpdate() string {
	if db.Dialect == Postgres {
		return " FOR UPDATE"
	}
	return ""
}

// Migrate runs each statement in order.
func (db *DB) Migrate(stmts ...string) error {
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
