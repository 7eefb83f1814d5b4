// Package audit is the append-only event log. Every append yields a strictly
// increasing id; rows are removed only by retention.
package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/novaadapt/novaadapt/internal/store"
)

// Entry is the caller-supplied part of an audit event.
type Entry struct {
	Category   string
	Action     string
	Status     string
	RequestID  string
	EntityType string
	EntityID   string
	Payload    any
}

// Event is a persisted audit row.
type Event struct {
	ID         int64           `json:"id"`
	Timestamp  time.Time       `json:"ts"`
	Category   string          `json:"category"`
	Action     string          `json:"action"`
	Status     string          `json:"status"`
	RequestID  string          `json:"request_id,omitempty"`
	EntityType string          `json:"entity_type,omitempty"`
	EntityID   string          `json:"entity_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// ListQuery filters List. Zero values mean "no filter"; Limit <= 0 defaults
// to 100.
type ListQuery struct {
	Limit      int
	Category   string
	EntityType string
	EntityID   string
	SinceID    int64
}

// Store owns the audit SQLite file. Writes are serialized by the internal
// mutex; transient locked/busy errors retry with bounded backoff.
type Store struct {
	mu          sync.Mutex
	db          *sql.DB
	path        string
	ttl         time.Duration
	cleanupGap  time.Duration
	lastCleanup time.Time
	retry       store.RetryConfig
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts TEXT NOT NULL,
	category TEXT NOT NULL,
	action TEXT NOT NULL,
	status TEXT NOT NULL,
	request_id TEXT NOT NULL DEFAULT '',
	entity_type TEXT NOT NULL DEFAULT '',
	entity_id TEXT NOT NULL DEFAULT '',
	payload TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_category ON audit_events(category);
CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_events(entity_type, entity_id);
CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_events(ts);
`

// Open opens the audit store at path. ttl of 0 disables expiry.
func Open(path string, ttl, cleanupInterval time.Duration) (*Store, error) {
	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit schema: %w", err)
	}
	return &Store{
		db:         db,
		path:       path,
		ttl:        ttl,
		cleanupGap: cleanupInterval,
		retry:      store.DefaultRetry,
	}, nil
}

// Append records one event and returns its id.
func (s *Store) Append(e Entry) (int64, error) {
	var payload sql.NullString
	if e.Payload != nil {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return 0, fmt.Errorf("marshal audit payload: %w", err)
		}
		payload = sql.NullString{String: string(b), Valid: true}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.maybeCleanupLocked()

	var id int64
	err := store.WithRetry(s.retry, func() error {
		res, err := s.db.Exec(
			`INSERT INTO audit_events (ts, category, action, status, request_id, entity_type, entity_id, payload)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			time.Now().UTC().Format(time.RFC3339Nano),
			e.Category, e.Action, e.Status, e.RequestID, e.EntityType, e.EntityID, payload,
		)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("append audit event: %w", err)
	}
	return id, nil
}

// Get returns the event with the given id.
func (s *Store) Get(id int64) (Event, error) {
	row := s.db.QueryRow(
		`SELECT id, ts, category, action, status, request_id, entity_type, entity_id, payload
		 FROM audit_events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return Event{}, fmt.Errorf("audit event %d not found", id)
	}
	return ev, err
}

// List returns events in descending id order, honoring the query filters.
// SinceID returns only rows with id > SinceID.
func (s *Store) List(q ListQuery) ([]Event, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	var where []string
	var args []any
	if q.Category != "" {
		where = append(where, "category = ?")
		args = append(args, q.Category)
	}
	if q.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, q.EntityType)
	}
	if q.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, q.EntityID)
	}
	if q.SinceID > 0 {
		where = append(where, "id > ?")
		args = append(args, q.SinceID)
	}

	query := `SELECT id, ts, category, action, status, request_id, entity_type, entity_id, payload FROM audit_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// PruneExpired deletes rows older than the TTL and returns the count removed.
// A TTL of 0 disables expiry.
func (s *Store) PruneExpired() (int64, error) {
	if s.ttl <= 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneLocked()
}

func (s *Store) pruneLocked() (int64, error) {
	cutoff := time.Now().UTC().Add(-s.ttl).Format(time.RFC3339Nano)
	var n int64
	err := store.WithRetry(s.retry, func() error {
		res, err := s.db.Exec(`DELETE FROM audit_events WHERE ts < ?`, cutoff)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// maybeCleanupLocked runs lazy retention at most once per cleanup interval.
func (s *Store) maybeCleanupLocked() {
	if s.ttl <= 0 {
		return
	}
	now := time.Now()
	if !s.lastCleanup.IsZero() && now.Sub(s.lastCleanup) < s.cleanupGap {
		return
	}
	s.lastCleanup = now
	_, _ = s.pruneLocked()
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

func scanEvent(r rowScanner) (Event, error) {
	var ev Event
	var ts string
	var payload sql.NullString
	if err := r.Scan(&ev.ID, &ts, &ev.Category, &ev.Action, &ev.Status,
		&ev.RequestID, &ev.EntityType, &ev.EntityID, &payload); err != nil {
		return Event{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Event{}, fmt.Errorf("parse audit timestamp: %w", err)
	}
	ev.Timestamp = t
	if payload.Valid {
		ev.Payload = json.RawMessage(payload.String)
	}
	return ev, nil
}
