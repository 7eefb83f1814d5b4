// Package store holds the shared plumbing for the embedded SQLite files:
// connection setup, busy-retry, online snapshots, and restore. Each subsystem
// (plans, jobs, actions, idempotency, audit) owns its own file and builds on
// these helpers.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Open opens (creating if needed) the SQLite file at path with the pragmas
// every store relies on: WAL journaling so concurrent readers never block the
// writer, a busy timeout so writers from other goroutines wait instead of
// failing, and NORMAL synchronous which is safe under WAL.
func Open(path string) (*sql.DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection serializes writes at the pool level; SQLite is a
	// single-writer engine anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return db, nil
}
