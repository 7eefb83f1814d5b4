package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/novaadapt/novaadapt/internal/agent"
	"github.com/novaadapt/novaadapt/internal/jobs"
	"github.com/novaadapt/novaadapt/internal/plan"
)

func (s *Server) handlePlanCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Objective  string   `json:"objective"`
		Strategy   string   `json:"strategy,omitempty"`
		Model      string   `json:"model,omitempty"`
		Candidates []string `json:"candidates,omitempty"`
		Fallbacks  []string `json:"fallbacks,omitempty"`
		MaxActions int      `json:"max_actions,omitempty"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Objective) == "" {
		s.writeError(w, r, http.StatusBadRequest, "objective is required")
		return
	}

	// Proposal never executes and never touches the action log; the plan is
	// the reviewable artifact.
	actions, routed, err := s.agent.Propose(r.Context(), agent.RunRequest{
		Objective:  req.Objective,
		Strategy:   req.Strategy,
		Endpoint:   req.Model,
		Candidates: req.Candidates,
		Fallbacks:  req.Fallbacks,
		MaxActions: req.MaxActions,
	})
	if err != nil {
		s.handleErr(w, r, err)
		return
	}

	p, err := s.plans.Create(plan.Plan{
		ID:        s.plans.NewID(),
		Objective: req.Objective,
		Strategy:  routed.Strategy,
		ModelName: routed.EndpointName,
		ModelID:   routed.Model,
		Actions:   actions,
		Router: plan.RouterMeta{
			Votes:     routed.Replies,
			Errors:    routed.Errors,
			Attempted: routed.Attempted,
			Vote:      routed.Vote,
		},
	})
	if err != nil {
		s.handleErr(w, r, err)
		return
	}
	s.appendAudit(r, "plan", "create", "ok", "plan", p.ID)
	s.writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handlePlanList(w http.ResponseWriter, r *http.Request) {
	status := plan.Status(r.URL.Query().Get("status"))
	plans, err := s.plans.List(queryInt(r, "limit", 50), status)
	if err != nil {
		s.handleErr(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"plans": plans})
}

func (s *Server) handlePlanGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.plans.Get(r.PathValue("id"))
	if err != nil {
		s.handleErr(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

type approveRequest struct {
	Execute             bool    `json:"execute"`
	AllowDangerous      bool    `json:"allow_dangerous"`
	RetryAttempts       int     `json:"action_retry_attempts,omitempty"`
	RetryBackoffSeconds float64 `json:"action_retry_backoff_seconds,omitempty"`
}

func (req approveRequest) execOptions(transportName string) plan.ExecOptions {
	return plan.ExecOptions{
		AllowDangerous: req.AllowDangerous,
		Transport:      transportName,
		RetryAttempts:  req.RetryAttempts,
		RetryBackoff:   time.Duration(req.RetryBackoffSeconds * float64(time.Second)),
	}
}

func (s *Server) handlePlanApprove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req approveRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	if !req.Execute {
		p, err := s.plans.Approve(id)
		if err != nil {
			s.handleErr(w, r, err)
			return
		}
		s.appendAudit(r, "plan", "approve", "ok", "plan", id)
		s.writeJSON(w, http.StatusOK, p)
		return
	}

	p, err := s.runner.Execute(r.Context(), id, req.execOptions(s.cfg.Transport.Type))
	if err != nil {
		s.appendAudit(r, "plan", "execute", "failed", "plan", id)
		s.handleErr(w, r, err)
		return
	}
	s.appendAudit(r, "plan", "execute", string(p.Status), "plan", id)
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePlanApproveAsync(w http.ResponseWriter, r *http.Request) {
	s.planJobAsync(w, r, "execute_async", s.runner.Execute)
}

func (s *Server) handlePlanRetryFailed(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req approveRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	p, err := s.runner.RetryFailed(r.Context(), id, req.execOptions(s.cfg.Transport.Type))
	if err != nil {
		s.appendAudit(r, "plan", "retry_failed", "failed", "plan", id)
		s.handleErr(w, r, err)
		return
	}
	s.appendAudit(r, "plan", "retry_failed", string(p.Status), "plan", id)
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePlanRetryFailedAsync(w http.ResponseWriter, r *http.Request) {
	s.planJobAsync(w, r, "retry_failed_async", s.runner.RetryFailed)
}

type planRunFn func(ctx context.Context, id string, opts plan.ExecOptions) (plan.Plan, error)

// planJobAsync queues a plan execution on the job pool. The claim happens
// inside the job, so an invalid transition surfaces as a failed job.
func (s *Server) planJobAsync(w http.ResponseWriter, r *http.Request, auditAction string, run planRunFn) {
	id := r.PathValue("id")
	var req approveRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if _, err := s.plans.Get(id); err != nil {
		s.handleErr(w, r, err)
		return
	}

	opts := req.execOptions(s.cfg.Transport.Type)
	jobID, err := s.jobs.Submit(func(tok *jobs.CancelToken) (any, error) {
		ctx, cancel := tokenContext(tok)
		defer cancel()
		p, err := run(ctx, id, opts)
		if tok.Canceled() {
			return nil, jobs.ErrCanceled
		}
		return p, err
	})
	if err != nil {
		s.handleSubmitErr(w, r, err)
		return
	}
	s.appendAudit(r, "plan", auditAction, "queued", "plan", id)
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id":  jobID,
		"plan_id": id,
		"status":  "queued",
	})
}

func (s *Server) handlePlanReject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Reason string `json:"reason,omitempty"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	p, err := s.plans.Reject(id, req.Reason)
	if err != nil {
		s.handleErr(w, r, err)
		return
	}
	s.appendAudit(r, "plan", "reject", "ok", "plan", id)
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePlanUndo(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	results, err := s.runner.UndoPlan(r.Context(), id, s.cfg.Transport.Type)
	if err != nil {
		s.handleErr(w, r, err)
		return
	}
	s.appendAudit(r, "plan", "undo", "ok", "plan", id)
	s.writeJSON(w, http.StatusOK, map[string]any{"plan_id": id, "results": results})
}
