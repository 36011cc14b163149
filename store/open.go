// Package store persists documents and their embeddings in SQLite.
//
// Open applies the production pragmas (WAL, busy_timeout, foreign_keys,
// synchronous NORMAL) via EXEC so they work with any database/sql driver;
// the caller blank-imports modernc.org/sqlite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type openConfig struct {
	busyTimeout int
	mkdirAll    bool
}

// OpenOption customises Open behaviour.
type OpenOption func(*openConfig)

// WithBusyTimeout sets PRAGMA busy_timeout in milliseconds. Default: 10000.
func WithBusyTimeout(ms int) OpenOption {
	return func(c *openConfig) { c.busyTimeout = ms }
}

// WithMkdirAll creates parent directories of the database path first.
func WithMkdirAll() OpenOption {
	return func(c *openConfig) { c.mkdirAll = true }
}

// Open opens the SQLite database at path with pragmas applied and the
// connection verified.
func Open(path string, opts ...OpenOption) (*sql.DB, error) {
	cfg := openConfig{busyTimeout: 10_000}
	for _, o := range opts {
		o(&cfg)
	}

	if cfg.mkdirAll && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.busyTimeout),
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", p, err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return db, nil
}

// OpenMemory opens an in-memory database for testing. MaxOpenConns(1)
// keeps every query on the same connection (each ":memory:" connection is
// a separate database). Closing is registered on t.Cleanup.
func OpenMemory(t testing.TB) *sql.DB {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("store.OpenMemory: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

const busyRetries = 3

// isBusy reports whether err is an SQLITE_BUSY condition.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// execBusy executes a statement, retrying SQLITE_BUSY up to 3 times with
// 100/200/300 ms backoff.
func execBusy(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	for i := range busyRetries {
		res, err := db.ExecContext(ctx, query, args...)
		if err == nil {
			return res, nil
		}
		if !isBusy(err) || i == busyRetries-1 {
			return nil, err
		}
		t := time.NewTimer(time.Duration(100*(i+1)) * time.Millisecond)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("store: context cancelled during retry: %w", ctx.Err())
		case <-t.C:
		}
	}
	return nil, fmt.Errorf("store: exec: max retries exceeded")
}
