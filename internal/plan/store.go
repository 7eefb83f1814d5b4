// Package plan persists approvable action plans and drives them through
// their lifecycle: pending, approved, executing, executed, failed, rejected.
package plan

import (
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/novaadapt/novaadapt/internal/action"
	"github.com/novaadapt/novaadapt/internal/router"
	"github.com/novaadapt/novaadapt/internal/store"
)

// Status is a plan lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusExecuting Status = "executing"
	StatusExecuted  Status = "executed"
	StatusFailed    Status = "failed"
	StatusRejected  Status = "rejected"
)

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusExecuted || s == StatusRejected
}

// ExecResult records one attempted action.
type ExecResult struct {
	Status    string        `json:"status"`
	Output    string        `json:"output,omitempty"`
	Action    action.Action `json:"action"`
	Dangerous bool          `json:"dangerous"`
	Attempts  int           `json:"attempts"`
}

// Progress tracks completed actions against the plan total.
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// RouterMeta carries the routing evidence captured at plan creation.
type RouterMeta struct {
	Votes     map[string]string   `json:"votes,omitempty"`
	Errors    map[string]string   `json:"errors,omitempty"`
	Attempted []string            `json:"attempted,omitempty"`
	Vote      *router.VoteSummary `json:"vote_summary,omitempty"`
}

// Plan is a persisted, approvable action sequence.
type Plan struct {
	ID           string          `json:"id"`
	Objective    string          `json:"objective"`
	Strategy     string          `json:"strategy"`
	ModelName    string          `json:"model_name"`
	ModelID      string          `json:"model_id"`
	Actions      []action.Action `json:"actions"`
	Router       RouterMeta      `json:"router"`
	Status       Status          `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	ApprovedAt   *time.Time      `json:"approved_at,omitempty"`
	RejectedAt   *time.Time      `json:"rejected_at,omitempty"`
	ExecutedAt   *time.Time      `json:"executed_at,omitempty"`
	RejectReason string          `json:"reject_reason,omitempty"`
	Results      []ExecResult    `json:"execution_results"`
	ActionLogIDs []int64         `json:"action_log_ids"`
	Progress     Progress        `json:"progress"`
	Error        string          `json:"error,omitempty"`
}

// NotFoundError marks a lookup of an unknown plan id.
type NotFoundError struct{ ID string }

func (e *NotFoundError) Error() string { return fmt.Sprintf("plan %s not found", e.ID) }

// TransitionError marks a state transition the current status forbids.
// Concurrent approvals of the same plan resolve through it: the loser
// observes the winner's status and fails fast.
type TransitionError struct {
	ID     string
	Status Status
	Op     string
}

func (e *TransitionError) Error() string {
	switch e.Status {
	case StatusExecuting:
		return fmt.Sprintf("plan %s already executing", e.ID)
	case StatusExecuted:
		return fmt.Sprintf("plan %s already executed", e.ID)
	case StatusRejected:
		return fmt.Sprintf("plan %s already rejected", e.ID)
	default:
		return fmt.Sprintf("plan %s cannot %s from status %s", e.ID, e.Op, e.Status)
	}
}

// Store owns the plans SQLite file.
type Store struct {
	mu    sync.Mutex
	db    *sql.DB
	path  string
	retry store.RetryConfig

	entropy *ulid.MonotonicEntropy
}

const schema = `
CREATE TABLE IF NOT EXISTS plans (
	id TEXT PRIMARY KEY,
	objective TEXT NOT NULL,
	strategy TEXT NOT NULL DEFAULT 'single',
	model_name TEXT NOT NULL DEFAULT '',
	model_id TEXT NOT NULL DEFAULT '',
	actions TEXT NOT NULL DEFAULT '[]',
	router_meta TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	approved_at TEXT,
	rejected_at TEXT,
	executed_at TEXT,
	reject_reason TEXT NOT NULL DEFAULT '',
	execution_results TEXT NOT NULL DEFAULT '[]',
	action_log_ids TEXT NOT NULL DEFAULT '[]',
	progress_completed INTEGER NOT NULL DEFAULT 0,
	progress_total INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_plans_status ON plans(status);
CREATE INDEX IF NOT EXISTS idx_plans_created ON plans(created_at);
`

// Open opens the plan store at path.
func Open(path string) (*Store, error) {
	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("plans schema: %w", err)
	}
	return &Store{
		db:      db,
		path:    path,
		retry:   store.DefaultRetry,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}, nil
}

// NewID mints a lexically sortable plan id.
func (s *Store) NewID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

// Create persists a new pending plan and returns it with id and timestamps set.
func (s *Store) Create(p Plan) (Plan, error) {
	if p.ID == "" {
		p.ID = s.NewID()
	}
	now := time.Now().UTC()
	p.Status = StatusPending
	p.CreatedAt = now
	p.UpdatedAt = now
	p.Progress = Progress{Completed: 0, Total: len(p.Actions)}

	actionsJSON, err := json.Marshal(orEmptyActions(p.Actions))
	if err != nil {
		return Plan{}, err
	}
	metaJSON, err := json.Marshal(p.Router)
	if err != nil {
		return Plan{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err = store.WithRetry(s.retry, func() error {
		_, err := s.db.Exec(
			`INSERT INTO plans (id, objective, strategy, model_name, model_id, actions, router_meta,
			                    status, created_at, updated_at, progress_total)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.Objective, p.Strategy, p.ModelName, p.ModelID,
			string(actionsJSON), string(metaJSON),
			p.Status, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), p.Progress.Total,
		)
		return err
	})
	if err != nil {
		return Plan{}, fmt.Errorf("persist plan: %w", err)
	}
	return p, nil
}

// Get returns the plan with the given id.
func (s *Store) Get(id string) (Plan, error) {
	row := s.db.QueryRow(selectCols+` FROM plans WHERE id = ?`, id)
	p, err := scanPlan(row)
	if err == sql.ErrNoRows {
		return Plan{}, &NotFoundError{ID: id}
	}
	return p, err
}

// List returns recent plans, newest first, optionally filtered by status.
func (s *Store) List(limit int, status Status) ([]Plan, error) {
	if limit <= 0 {
		limit = 50
	}
	q := selectCols + ` FROM plans`
	args := []any{}
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Approve moves a pending plan to approved.
func (s *Store) Approve(id string) (Plan, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return s.transitionQuery(id, "approve",
		`UPDATE plans SET status = ?, approved_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		[]any{StatusApproved, now, now, id, StatusPending})
}

// Reject finalizes a plan with a reason. Allowed from any non-terminal state
// except executing.
func (s *Store) Reject(id, reason string) (Plan, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return s.transitionQuery(id, "reject",
		`UPDATE plans SET status = ?, rejected_at = ?, reject_reason = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?, ?)`,
		[]any{StatusRejected, now, reason, now, id, StatusPending, StatusApproved, StatusFailed})
}

// claim atomically moves a plan into executing from one of the allowed
// states. Exactly one of multiple concurrent claimants wins; the rest get a
// TransitionError carrying the status they lost to.
func (s *Store) claim(id, op string, from []Status) (Plan, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	args := []any{StatusExecuting, now, id}
	placeholders := ""
	for i, st := range from {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, st)
	}
	q := fmt.Sprintf(`UPDATE plans SET status = ?, updated_at = ? WHERE id = ? AND status IN (%s)`, placeholders)
	return s.transitionQuery(id, op, q, args)
}

func (s *Store) transitionQuery(id, op, q string, args []any) (Plan, error) {
	s.mu.Lock()
	var affected int64
	err := store.WithRetry(s.retry, func() error {
		res, err := s.db.Exec(q, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	s.mu.Unlock()
	if err != nil {
		return Plan{}, err
	}

	p, getErr := s.Get(id)
	if getErr != nil {
		return Plan{}, getErr
	}
	if affected == 0 {
		return Plan{}, &TransitionError{ID: id, Status: p.Status, Op: op}
	}
	return p, nil
}

// recordProgress appends results and log ids and bumps progress in one write.
// Readers and SSE streams see each intermediate state.
func (s *Store) recordProgress(id string, results []ExecResult, logIDs []int64, progress Progress) error {
	resultsJSON, err := json.Marshal(orEmptyResults(results))
	if err != nil {
		return err
	}
	idsJSON, err := json.Marshal(orEmptyIDs(logIDs))
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	s.mu.Lock()
	defer s.mu.Unlock()
	return store.WithRetry(s.retry, func() error {
		_, err := s.db.Exec(
			`UPDATE plans SET execution_results = ?, action_log_ids = ?,
			        progress_completed = ?, progress_total = ?, updated_at = ?
			 WHERE id = ?`,
			string(resultsJSON), string(idsJSON), progress.Completed, progress.Total, now, id,
		)
		return err
	})
}

// finishExecution lands an executing plan on executed or failed.
func (s *Store) finishExecution(id string, status Status, execErr string) (Plan, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	var executedAt any
	if status == StatusExecuted {
		executedAt = now
	}
	return s.transitionQuery(id, "finish",
		`UPDATE plans SET status = ?, executed_at = COALESCE(?, executed_at), error = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		[]any{status, executedAt, execErr, now, id, StatusExecuting})
}

// DB exposes the underlying handle for snapshots and health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the store's file path.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

const selectCols = `SELECT id, objective, strategy, model_name, model_id, actions, router_meta,
	status, created_at, updated_at, approved_at, rejected_at, executed_at,
	reject_reason, execution_results, action_log_ids, progress_completed, progress_total, error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlan(r rowScanner) (Plan, error) {
	var p Plan
	var actionsJSON, metaJSON, resultsJSON, idsJSON string
	var created, updated string
	var approved, rejected, executed sql.NullString
	if err := r.Scan(&p.ID, &p.Objective, &p.Strategy, &p.ModelName, &p.ModelID,
		&actionsJSON, &metaJSON, &p.Status, &created, &updated,
		&approved, &rejected, &executed, &p.RejectReason,
		&resultsJSON, &idsJSON, &p.Progress.Completed, &p.Progress.Total, &p.Error); err != nil {
		return Plan{}, err
	}
	if err := json.Unmarshal([]byte(actionsJSON), &p.Actions); err != nil {
		return Plan{}, fmt.Errorf("decode plan actions: %w", err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &p.Router); err != nil {
		return Plan{}, fmt.Errorf("decode plan router meta: %w", err)
	}
	if err := json.Unmarshal([]byte(resultsJSON), &p.Results); err != nil {
		return Plan{}, fmt.Errorf("decode plan results: %w", err)
	}
	if err := json.Unmarshal([]byte(idsJSON), &p.ActionLogIDs); err != nil {
		return Plan{}, fmt.Errorf("decode plan log ids: %w", err)
	}
	var err error
	if p.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return Plan{}, fmt.Errorf("parse plan timestamp: %w", err)
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return Plan{}, fmt.Errorf("parse plan timestamp: %w", err)
	}
	p.ApprovedAt = parseNullTime(approved)
	p.RejectedAt = parseNullTime(rejected)
	p.ExecutedAt = parseNullTime(executed)
	return p, nil
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	return &t
}

func orEmptyActions(a []action.Action) []action.Action {
	if a == nil {
		return []action.Action{}
	}
	return a
}

func orEmptyResults(r []ExecResult) []ExecResult {
	if r == nil {
		return []ExecResult{}
	}
	return r
}

func orEmptyIDs(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}
