// Package jobs runs long operations asynchronously on a bounded worker pool,
// persists every lifecycle transition, and supports cooperative cancellation.
package jobs

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/novaadapt/novaadapt/internal/store"
)

// Status is a job lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether s is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

// Job is a persisted async job.
type Job struct {
	ID              string          `json:"id"`
	Status          Status          `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
}

// RestartError is recorded on non-terminal jobs found at startup.
const RestartError = "process restart before completion"

// Store owns the jobs SQLite file.
type Store struct {
	mu    sync.Mutex
	db    *sql.DB
	path  string
	retry store.RetryConfig
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	started_at TEXT,
	finished_at TEXT,
	result TEXT,
	error TEXT NOT NULL DEFAULT '',
	cancel_requested INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);
`

// OpenStore opens the job store at path and fails any job left non-terminal
// by a previous process: in-flight work cannot safely resume after restart.
func OpenStore(path string) (*Store, error) {
	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("jobs schema: %w", err)
	}
	s := &Store{db: db, path: path, retry: store.DefaultRetry}
	if err := s.failInterrupted(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) failInterrupted() error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return store.WithRetry(s.retry, func() error {
		_, err := s.db.Exec(
			`UPDATE jobs SET status = ?, error = ?, finished_at = ?
			 WHERE status IN (?, ?)`,
			StatusFailed, RestartError, now, StatusQueued, StatusRunning,
		)
		return err
	})
}

func (s *Store) insert(j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return store.WithRetry(s.retry, func() error {
		_, err := s.db.Exec(
			`INSERT INTO jobs (id, status, created_at) VALUES (?, ?, ?)`,
			j.ID, j.Status, j.CreatedAt.Format(time.RFC3339Nano),
		)
		return err
	})
}

func (s *Store) markRunning(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return store.WithRetry(s.retry, func() error {
		_, err := s.db.Exec(
			`UPDATE jobs SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
			StatusRunning, at.Format(time.RFC3339Nano), id, StatusQueued,
		)
		return err
	})
}

// finish moves a non-terminal job to status. Terminal rows never change
// again, so a late worker cannot overwrite a cancel that landed first.
func (s *Store) finish(id string, status Status, result json.RawMessage, errMsg string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	var res sql.NullString
	if result != nil {
		res = sql.NullString{String: string(result), Valid: true}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return store.WithRetry(s.retry, func() error {
		_, err := s.db.Exec(
			`UPDATE jobs SET status = ?, finished_at = ?, result = ?, error = ?
			 WHERE id = ? AND status IN (?, ?)`,
			status, now, res, errMsg, id, StatusQueued, StatusRunning,
		)
		return err
	})
}

// cancelQueued finishes a job as canceled only while it still sits in the
// queue. A job a worker already dequeued is left to the worker's token check.
func (s *Store) cancelQueued(id string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	s.mu.Lock()
	defer s.mu.Unlock()
	var affected int64
	err := store.WithRetry(s.retry, func() error {
		res, err := s.db.Exec(
			`UPDATE jobs SET status = ?, finished_at = ?, error = ?
			 WHERE id = ? AND status = ?`,
			StatusCanceled, now, ErrCanceled.Error(), id, StatusQueued,
		)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected > 0, err
}

func (s *Store) setCancelRequested(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return store.WithRetry(s.retry, func() error {
		res, err := s.db.Exec(`UPDATE jobs SET cancel_requested = 1 WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("job %s not found", id)
		}
		return nil
	})
}

// Get returns the job with the given id.
func (s *Store) Get(id string) (Job, error) {
	row := s.db.QueryRow(
		`SELECT id, status, created_at, started_at, finished_at, result, error, cancel_requested
		 FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return Job{}, fmt.Errorf("job %s not found", id)
	}
	return j, err
}

// List returns the most recent jobs, newest first.
func (s *Store) List(limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, status, created_at, started_at, finished_at, result, error, cancel_requested
		 FROM jobs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
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

func scanJob(r rowScanner) (Job, error) {
	var j Job
	var created string
	var started, finished, result sql.NullString
	var cancelRequested int
	if err := r.Scan(&j.ID, &j.Status, &created, &started, &finished, &result, &j.Error, &cancelRequested); err != nil {
		return Job{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return Job{}, fmt.Errorf("parse job timestamp: %w", err)
	}
	j.CreatedAt = t
	if started.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, started.String); err == nil {
			j.StartedAt = &ts
		}
	}
	if finished.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, finished.String); err == nil {
			j.FinishedAt = &ts
		}
	}
	if result.Valid {
		j.Result = json.RawMessage(result.String)
	}
	j.CancelRequested = cancelRequested != 0
	return j, nil
}
