// Package actionlog records every dispatched action in an append-only table
// so actions can be audited and undone. The undone flag is the only mutable
// field.
package actionlog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/novaadapt/novaadapt/internal/action"
	"github.com/novaadapt/novaadapt/internal/store"
)

// Entry is one logged action.
type Entry struct {
	ID        int64          `json:"id"`
	Action    action.Action  `json:"action"`
	Status    string         `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	Undone    bool           `json:"undone"`
	Undo      *action.Action `json:"undo,omitempty"`
}

// Store owns the action-log SQLite file.
type Store struct {
	mu    sync.Mutex
	db    *sql.DB
	path  string
	ttl   time.Duration
	retry store.RetryConfig
}

const schema = `
CREATE TABLE IF NOT EXISTS action_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	action TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	undone INTEGER NOT NULL DEFAULT 0,
	undo_action TEXT
);
CREATE INDEX IF NOT EXISTS idx_action_log_undone ON action_log(undone);
CREATE INDEX IF NOT EXISTS idx_action_log_created ON action_log(created_at);
`

// Open opens the action log at path. ttl of 0 disables retention pruning.
func Open(path string, ttl time.Duration) (*Store, error) {
	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("action log schema: %w", err)
	}
	return &Store{db: db, path: path, ttl: ttl, retry: store.DefaultRetry}, nil
}

// Append logs a dispatched action with its execution status and returns the
// new entry id. The action's undo, when present, is stored separately so it
// survives even if the action payload is later normalized.
func (s *Store) Append(a action.Action, status string) (int64, error) {
	actJSON, err := a.CanonicalJSON()
	if err != nil {
		return 0, fmt.Errorf("serialize action: %w", err)
	}
	var undoJSON sql.NullString
	if a.Undo != nil {
		b, err := a.Undo.CanonicalJSON()
		if err != nil {
			return 0, fmt.Errorf("serialize undo action: %w", err)
		}
		undoJSON = sql.NullString{String: string(b), Valid: true}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var id int64
	err = store.WithRetry(s.retry, func() error {
		res, err := s.db.Exec(
			`INSERT INTO action_log (action, status, created_at, undo_action) VALUES (?, ?, ?, ?)`,
			string(actJSON), status, time.Now().UTC().Format(time.RFC3339Nano), undoJSON,
		)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("append action log entry: %w", err)
	}
	return id, nil
}

// Get returns the entry with the given id.
func (s *Store) Get(id int64) (Entry, error) {
	row := s.db.QueryRow(
		`SELECT id, action, status, created_at, undone, undo_action FROM action_log WHERE id = ?`, id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return Entry{}, fmt.Errorf("action log entry %d not found", id)
	}
	return e, err
}

// List returns the most recent entries in descending id order.
func (s *Store) List(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, action, status, created_at, undone, undo_action
		 FROM action_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

// LatestPending returns the newest entry that has not been undone. Used by
// the undo route when no explicit id is supplied.
func (s *Store) LatestPending() (Entry, error) {
	row := s.db.QueryRow(
		`SELECT id, action, status, created_at, undone, undo_action
		 FROM action_log WHERE undone = 0 ORDER BY id DESC LIMIT 1`)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return Entry{}, fmt.Errorf("no pending action log entries")
	}
	return e, err
}

// MarkUndone sets the undone flag on an entry.
func (s *Store) MarkUndone(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return store.WithRetry(s.retry, func() error {
		res, err := s.db.Exec(`UPDATE action_log SET undone = 1 WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("action log entry %d not found", id)
		}
		return nil
	})
}

// PruneExpired removes entries older than the TTL.
func (s *Store) PruneExpired() (int64, error) {
	if s.ttl <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-s.ttl).Format(time.RFC3339Nano)

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	err := store.WithRetry(s.retry, func() error {
		res, err := s.db.Exec(`DELETE FROM action_log WHERE created_at < ?`, cutoff)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// DB exposes the underlying handle for snapshots and health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the store's file path.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (Entry, error) {
	var e Entry
	var actJSON, created string
	var undone int
	var undoJSON sql.NullString
	if err := r.Scan(&e.ID, &actJSON, &e.Status, &created, &undone, &undoJSON); err != nil {
		return Entry{}, err
	}
	if err := json.Unmarshal([]byte(actJSON), &e.Action); err != nil {
		return Entry{}, fmt.Errorf("decode logged action: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return Entry{}, fmt.Errorf("parse action log timestamp: %w", err)
	}
	e.CreatedAt = t
	e.Undone = undone != 0
	if undoJSON.Valid {
		var u action.Action
		if err := json.Unmarshal([]byte(undoJSON.String), &u); err != nil {
			return Entry{}, fmt.Errorf("decode undo action: %w", err)
		}
		e.Undo = &u
	}
	return e, nil
}

func collectEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
