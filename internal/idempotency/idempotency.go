// Package idempotency deduplicates mutating requests keyed by
// (Idempotency-Key, method, path). The first request stores an in_progress
// entry; completion stores the response so byte-identical replays can be
// served without re-executing the handler.
package idempotency

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/novaadapt/novaadapt/internal/jsonutil"
	"github.com/novaadapt/novaadapt/internal/store"
)

// Outcome classifies the result of Begin.
type Outcome string

const (
	// OutcomeNew means no prior entry existed; the caller owns execution.
	OutcomeNew Outcome = "new"
	// OutcomeReplay means a completed entry with the same payload exists.
	OutcomeReplay Outcome = "replay"
	// OutcomeConflict means the key was reused with a different payload.
	OutcomeConflict Outcome = "conflict"
	// OutcomeInProgress means another request with this key is still running.
	OutcomeInProgress Outcome = "in_progress"
)

// BeginResult carries the Begin outcome plus, for replays, the stored
// response.
type BeginResult struct {
	Outcome    Outcome
	StatusCode int
	Response   json.RawMessage
}

// Store owns the idempotency SQLite file.
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
CREATE TABLE IF NOT EXISTS idempotency_entries (
	key TEXT NOT NULL,
	method TEXT NOT NULL,
	path TEXT NOT NULL,
	payload_hash TEXT NOT NULL,
	status TEXT NOT NULL,
	status_code INTEGER,
	response TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (key, method, path)
);
CREATE INDEX IF NOT EXISTS idx_idem_created ON idempotency_entries(created_at);
`

// Open opens the idempotency store at path with the given TTL.
func Open(path string, ttl, cleanupInterval time.Duration) (*Store, error) {
	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("idempotency schema: %w", err)
	}
	return &Store{
		db:         db,
		path:       path,
		ttl:        ttl,
		cleanupGap: cleanupInterval,
		retry:      store.DefaultRetry,
	}, nil
}

// PayloadHash computes the canonical JSON SHA-256 of payload. Non-JSON
// payloads hash their raw bytes.
func PayloadHash(payload []byte) string {
	canonical, err := jsonutil.CanonicalizeRaw(payload)
	if err != nil {
		canonical = payload
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Begin classifies the incoming request and, for new keys, stores an
// in_progress entry. The store-level mutex makes the check-then-insert atomic,
// so two concurrent Begins with the same key resolve to one OutcomeNew at
// most.
func (s *Store) Begin(key, method, path string, payload []byte) (BeginResult, error) {
	hash := PayloadHash(payload)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.maybeCleanupLocked()

	var storedHash, status string
	var statusCode sql.NullInt64
	var response sql.NullString
	err := s.db.QueryRow(
		`SELECT payload_hash, status, status_code, response
		 FROM idempotency_entries WHERE key = ? AND method = ? AND path = ?`,
		key, method, path,
	).Scan(&storedHash, &status, &statusCode, &response)

	switch {
	case err == sql.ErrNoRows:
		insertErr := store.WithRetry(s.retry, func() error {
			_, err := s.db.Exec(
				`INSERT INTO idempotency_entries (key, method, path, payload_hash, status, created_at, updated_at)
				 VALUES (?, ?, ?, ?, 'in_progress', ?, ?)`,
				key, method, path, hash, now, now,
			)
			return err
		})
		if insertErr != nil {
			return BeginResult{}, fmt.Errorf("begin idempotent request: %w", insertErr)
		}
		return BeginResult{Outcome: OutcomeNew}, nil
	case err != nil:
		return BeginResult{}, err
	}

	if status == "in_progress" {
		return BeginResult{Outcome: OutcomeInProgress}, nil
	}
	if storedHash != hash {
		return BeginResult{Outcome: OutcomeConflict}, nil
	}
	res := BeginResult{Outcome: OutcomeReplay, StatusCode: int(statusCode.Int64)}
	if response.Valid {
		res.Response = json.RawMessage(response.String)
	}
	return res, nil
}

// Complete transitions an entry to completed, storing the response for
// replays.
func (s *Store) Complete(key, method, path string, statusCode int, response []byte) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	s.mu.Lock()
	defer s.mu.Unlock()

	return store.WithRetry(s.retry, func() error {
		res, err := s.db.Exec(
			`UPDATE idempotency_entries
			 SET status = 'completed', status_code = ?, response = ?, updated_at = ?
			 WHERE key = ? AND method = ? AND path = ?`,
			statusCode, string(response), now, key, method, path,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("no idempotency entry for key %q %s %s", key, method, path)
		}
		return nil
	})
}

// Clear removes an in_progress entry; used when the handler fails before
// producing a response so the client can safely retry.
func (s *Store) Clear(key, method, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return store.WithRetry(s.retry, func() error {
		_, err := s.db.Exec(
			`DELETE FROM idempotency_entries
			 WHERE key = ? AND method = ? AND path = ? AND status = 'in_progress'`,
			key, method, path,
		)
		return err
	})
}

// PruneExpired removes entries older than the TTL.
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
		res, err := s.db.Exec(`DELETE FROM idempotency_entries WHERE created_at < ?`, cutoff)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

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
