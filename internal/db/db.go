// Package db opens the durable store connection pools. The store runs on
// embedded SQLite by default and on PostgreSQL when a postgres:// URL is
// configured.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Driver names as registered with database/sql.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// SQLite WAL mode allows many readers alongside a single writer; 4 is a
	// reasonable default for a host-local workload.
	defaultSQLiteReaderConns = 4
)

// Pool provides separate read and write database connections.
//
// For SQLite with WAL mode this enables concurrent reads while serializing
// writes through a single connection. For PostgreSQL both Writer and Reader
// return the same *sqlx.DB since pgx pools internally.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
	driver string
}

// Writer returns the pool used for INSERT, UPDATE, DELETE, and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the pool used for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Driver returns the database/sql driver name in use.
func (p *Pool) Driver() string { return p.driver }

// IsPostgres reports whether the pool is backed by PostgreSQL.
func (p *Pool) IsPostgres() bool { return p.driver == DriverPostgres }

// Close closes both the writer and reader pools.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	// Avoid double-close when both pools share the same *sqlx.DB (Postgres).
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}

// OpenSQLite opens a SQLite-backed pool at the given path: a single-connection
// writer plus a concurrent read-only reader pool.
func OpenSQLite(dbPath string) (*Pool, error) {
	normalized, err := filepath.Abs(dbPath)
	if err != nil {
		normalized = dbPath
	}
	if dir := filepath.Dir(normalized); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to prepare database path: %w", err)
		}
	}

	// Writer DSN settings:
	// - foreign_keys=on: enforce FK constraints (event/session cascades).
	// - busy_timeout: wait briefly on locks instead of failing.
	// - journal_mode=WAL: readers proceed alongside the single writer.
	// - synchronous=NORMAL: durability/perf tradeoff for app workloads.
	writerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		normalized, int(defaultBusyTimeout/time.Millisecond),
	)
	writer, err := sql.Open(DriverSQLite, writerDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single writer connection: serializes writes and avoids SQLITE_BUSY.
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)

	readerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_cache=shared",
		normalized, int(defaultBusyTimeout/time.Millisecond),
	)
	reader, err := sql.Open(DriverSQLite, readerDSN)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to open reader database: %w", err)
	}
	reader.SetMaxOpenConns(defaultSQLiteReaderConns)
	reader.SetMaxIdleConns(defaultSQLiteReaderConns)

	return &Pool{
		writer: sqlx.NewDb(writer, DriverSQLite),
		reader: sqlx.NewDb(reader, DriverSQLite),
		driver: DriverSQLite,
	}, nil
}

// OpenPostgres opens a PostgreSQL-backed pool using pgx. Writer and reader
// share the same underlying pool.
func OpenPostgres(url string, maxConns int) (*Pool, error) {
	conn, err := sql.Open(DriverPostgres, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if maxConns <= 0 {
		maxConns = 25
	}
	conn.SetMaxOpenConns(maxConns)
	conn.SetMaxIdleConns(maxConns / 5)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	pooled := sqlx.NewDb(conn, DriverPostgres)
	return &Pool{writer: pooled, reader: pooled, driver: DriverPostgres}, nil
}
