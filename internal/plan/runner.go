package plan

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/novaadapt/novaadapt/internal/action"
	"github.com/novaadapt/novaadapt/internal/actionlog"
	"github.com/novaadapt/novaadapt/internal/policy"
	"github.com/novaadapt/novaadapt/internal/transport"
)

// ExecOptions tunes one execution run.
type ExecOptions struct {
	AllowDangerous bool
	Transport      string
	// RetryAttempts is the number of retries after a failed dispatch; an
	// action is tried at most RetryAttempts+1 times.
	RetryAttempts int
	RetryBackoff  time.Duration
}

// DefaultBackoff is the retry delay base when none is configured.
const DefaultBackoff = 500 * time.Millisecond

// Runner executes approved plans against a transport, recording every
// dispatched action to the action log.
type Runner struct {
	plans      *Store
	actions    *actionlog.Store
	transports *transport.Registry
	log        *zap.Logger
}

// NewRunner wires a runner.
func NewRunner(plans *Store, actions *actionlog.Store, transports *transport.Registry, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{plans: plans, actions: actions, transports: transports, log: log}
}

// Execute claims a pending or approved plan and runs every action in order.
func (r *Runner) Execute(ctx context.Context, id string, opts ExecOptions) (Plan, error) {
	p, err := r.plans.claim(id, "execute", []Status{StatusPending, StatusApproved})
	if err != nil {
		return Plan{}, err
	}
	indexes := make([]int, len(p.Actions))
	for i := range p.Actions {
		indexes[i] = i
	}
	return r.run(ctx, p, indexes, opts)
}

// RetryFailed claims a failed plan and re-runs only the actions whose latest
// outcome was failed or blocked. History is appended, never rewritten.
func (r *Runner) RetryFailed(ctx context.Context, id string, opts ExecOptions) (Plan, error) {
	p, err := r.plans.claim(id, "retry_failed", []Status{StatusFailed})
	if err != nil {
		return Plan{}, err
	}
	indexes := failedIndexes(latestPerAction(p))
	if len(indexes) == 0 {
		// Nothing left to retry; land the plan.
		return r.plans.finishExecution(id, StatusExecuted, "")
	}
	return r.run(ctx, p, indexes, opts)
}

// run executes the actions at indexes strictly in order, updating results,
// action log ids, and progress after every action.
func (r *Runner) run(ctx context.Context, p Plan, indexes []int, opts ExecOptions) (Plan, error) {
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultBackoff
	}

	results := append([]ExecResult{}, p.Results...)
	logIDs := append([]int64{}, p.ActionLogIDs...)
	progress := Progress{Completed: 0, Total: len(indexes)}
	runFailed := 0

	for _, idx := range indexes {
		// Abort if the plan was externally finalized while executing.
		current, err := r.plans.Get(p.ID)
		if err != nil {
			return Plan{}, err
		}
		if current.Status != StatusExecuting {
			return current, &TransitionError{ID: p.ID, Status: current.Status, Op: "execute"}
		}
		if err := ctx.Err(); err != nil {
			_, ferr := r.plans.finishExecution(p.ID, StatusFailed, "execution canceled")
			if ferr != nil {
				return Plan{}, ferr
			}
			return r.plans.Get(p.ID)
		}

		a := p.Actions[idx]
		res := r.dispatch(ctx, a, opts)
		if res.Status == transport.StatusFailed || res.Status == transport.StatusBlocked {
			runFailed++
		}

		logID, err := r.actions.Append(a, res.Status)
		if err != nil {
			r.log.Error("append action log", zap.String("plan_id", p.ID), zap.Error(err))
		} else {
			logIDs = append(logIDs, logID)
		}

		results = append(results, res)
		progress.Completed++
		if err := r.plans.recordProgress(p.ID, results, logIDs, progress); err != nil {
			return Plan{}, fmt.Errorf("record plan progress: %w", err)
		}
	}

	status := StatusExecuted
	execErr := ""
	if runFailed > 0 {
		status = StatusFailed
		execErr = fmt.Sprintf("%d of %d actions failed", runFailed, len(indexes))
	}
	final, err := r.plans.finishExecution(p.ID, status, execErr)
	if err != nil {
		return Plan{}, err
	}
	r.log.Info("plan execution finished",
		zap.String("plan_id", p.ID),
		zap.String("status", string(status)),
		zap.Int("actions", len(indexes)),
		zap.Int("failed", runFailed))
	return final, nil
}

// dispatch runs one action through the policy gate and the transport, with
// exponential backoff retries on failed dispatches. Diagnostic notes never
// reach the transport; they surface as previews.
func (r *Runner) dispatch(ctx context.Context, a action.Action, opts ExecOptions) ExecResult {
	if a.IsNote() {
		return ExecResult{Status: transport.StatusPreview, Output: a.Value, Action: a}
	}

	dec := policy.Evaluate(a, opts.AllowDangerous)
	if !dec.Allowed {
		return ExecResult{
			Status:    transport.StatusBlocked,
			Output:    dec.Reason,
			Action:    a,
			Dangerous: dec.Dangerous,
			Attempts:  0,
		}
	}

	maxTries := opts.RetryAttempts + 1
	if maxTries < 1 {
		maxTries = 1
	}
	var last transport.Result
	attempts := 0
	for attempt := 1; attempt <= maxTries; attempt++ {
		attempts = attempt
		res, err := r.transports.Execute(ctx, opts.Transport, a, false)
		if err != nil {
			res = transport.Result{Status: transport.StatusFailed, Output: err.Error(), Action: a}
		}
		last = res
		if res.Status != transport.StatusFailed {
			break
		}
		if attempt < maxTries {
			delay := opts.RetryBackoff * (1 << (attempt - 1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				attempt = maxTries
			}
		}
	}
	return ExecResult{
		Status:    last.Status,
		Output:    last.Output,
		Action:    last.Action,
		Dangerous: dec.Dangerous,
		Attempts:  attempts,
	}
}

// UndoResult is the outcome of undoing one action-log entry.
type UndoResult struct {
	ID     int64  `json:"id"`
	OK     bool   `json:"ok"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// UndoEntry reverses one action-log entry. Entries without an undo action are
// mark-only undone.
func (r *Runner) UndoEntry(ctx context.Context, logID int64, transportName string) UndoResult {
	entry, err := r.actions.Get(logID)
	if err != nil {
		return UndoResult{ID: logID, Error: err.Error()}
	}
	if entry.Undone {
		return UndoResult{ID: logID, OK: true, Result: "already undone"}
	}
	if entry.Undo == nil {
		if err := r.actions.MarkUndone(logID); err != nil {
			return UndoResult{ID: logID, Error: err.Error()}
		}
		return UndoResult{ID: logID, OK: true, Result: "no undo action; marked undone"}
	}

	res, err := r.transports.Execute(ctx, transportName, *entry.Undo, false)
	if err != nil {
		return UndoResult{ID: logID, Error: err.Error()}
	}
	if res.Status != transport.StatusOK {
		return UndoResult{ID: logID, Error: fmt.Sprintf("undo dispatch %s: %s", res.Status, res.Output)}
	}
	if err := r.actions.MarkUndone(logID); err != nil {
		return UndoResult{ID: logID, Error: err.Error()}
	}
	return UndoResult{ID: logID, OK: true, Result: res.Output}
}

// UndoPlan reverses a plan's recorded actions newest-first.
func (r *Runner) UndoPlan(ctx context.Context, planID, transportName string) ([]UndoResult, error) {
	p, err := r.plans.Get(planID)
	if err != nil {
		return nil, err
	}
	out := make([]UndoResult, 0, len(p.ActionLogIDs))
	for i := len(p.ActionLogIDs) - 1; i >= 0; i-- {
		out = append(out, r.UndoEntry(ctx, p.ActionLogIDs[i], transportName))
	}
	return out, nil
}

// latestPerAction replays the appended result history to find each action's
// most recent outcome. The first len(actions) results belong to the initial
// run; each later batch belongs, in order, to the indexes that were failed or
// blocked when that retry started.
func latestPerAction(p Plan) []*ExecResult {
	n := len(p.Actions)
	latest := make([]*ExecResult, n)
	cursor := 0
	for i := 0; i < n && cursor < len(p.Results); i++ {
		res := p.Results[cursor]
		latest[i] = &res
		cursor++
	}
	for cursor < len(p.Results) {
		idxs := failedIndexes(latest)
		if len(idxs) == 0 {
			break
		}
		for _, i := range idxs {
			if cursor >= len(p.Results) {
				break
			}
			res := p.Results[cursor]
			latest[i] = &res
			cursor++
		}
	}
	return latest
}

func failedIndexes(latest []*ExecResult) []int {
	var out []int
	for i, res := range latest {
		if res == nil {
			out = append(out, i)
			continue
		}
		if res.Status == transport.StatusFailed || res.Status == transport.StatusBlocked {
			out = append(out, i)
		}
	}
	return out
}
