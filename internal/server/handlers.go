package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/novaadapt/novaadapt/internal/agent"
	"github.com/novaadapt/novaadapt/internal/audit"
	"github.com/novaadapt/novaadapt/internal/jobs"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("deep") == "" {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	checks := map[string]string{}
	ok := true
	ping := func(name string, err error) {
		if err != nil {
			checks[name] = err.Error()
			ok = false
			return
		}
		checks[name] = "ok"
	}
	ping("actions", s.actions.DB().PingContext(r.Context()))
	ping("plans", s.plans.DB().PingContext(r.Context()))
	ping("jobs", s.jobs.DB().PingContext(r.Context()))
	ping("idempotency", s.idem.DB().PingContext(r.Context()))
	ping("audit", s.audit.DB().PingContext(r.Context()))
	if r.URL.Query().Get("execution") != "" {
		ping("transport", s.transports.Probe(r.Context(), s.cfg.Transport.Type))
	}

	status, code := "ok", http.StatusOK
	if !ok {
		status, code = "degraded", http.StatusInternalServerError
	}
	s.writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	type endpointView struct {
		Name        string `json:"name"`
		DisplayName string `json:"display_name,omitempty"`
		Provider    string `json:"provider"`
		Model       string `json:"model"`
	}
	eps := s.router.List()
	out := make([]endpointView, 0, len(eps))
	for _, ep := range eps {
		out = append(out, endpointView{
			Name:        ep.Name,
			DisplayName: ep.DisplayName,
			Provider:    ep.Provider,
			Model:       ep.Model,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"default": s.router.Default(),
		"models":  out,
	})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Models []string `json:"models,omitempty"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	results := s.router.HealthCheck(r.Context(), req.Models)
	s.writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) runRequestFromBody(w http.ResponseWriter, r *http.Request) (agent.RunRequest, bool) {
	req := agent.RunRequest{RecordHistory: s.cfg.Agent.RecordHistory}
	if !s.decodeBody(w, r, &req) {
		return agent.RunRequest{}, false
	}
	if strings.TrimSpace(req.Objective) == "" {
		s.writeError(w, r, http.StatusBadRequest, "objective is required")
		return agent.RunRequest{}, false
	}
	if req.Transport == "" {
		req.Transport = s.cfg.Transport.Type
	}
	return req, true
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	req, ok := s.runRequestFromBody(w, r)
	if !ok {
		return
	}
	res, err := s.agent.Run(r.Context(), req)
	if err != nil {
		s.appendAudit(r, "run", "execute", "failed", "", "")
		s.handleErr(w, r, err)
		return
	}
	s.appendAudit(r, "run", "execute", "ok", "", "")
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRunAsync(w http.ResponseWriter, r *http.Request) {
	req, ok := s.runRequestFromBody(w, r)
	if !ok {
		return
	}
	jobID, err := s.submitRun(req)
	if err != nil {
		s.handleSubmitErr(w, r, err)
		return
	}
	s.appendAudit(r, "run", "execute_async", "queued", "job", jobID)
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": jobID,
		"status": "queued",
	})
}

func (s *Server) submitRun(req agent.RunRequest) (string, error) {
	return s.jobs.Submit(func(tok *jobs.CancelToken) (any, error) {
		ctx, cancel := tokenContext(tok)
		defer cancel()
		res, err := s.agent.Run(ctx, req)
		if tok.Canceled() {
			return nil, jobs.ErrCanceled
		}
		return res, err
	})
}

// tokenContext bridges a cooperative cancel token into a context so blocking
// calls below the job closure can be interrupted.
func tokenContext(tok *jobs.CancelToken) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if tok.Canceled() {
					cancel()
					return
				}
			}
		}
	}()
	return ctx, cancel
}

const maxSwarmAgents = 8

func (s *Server) handleSwarmRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Objectives []string `json:"objectives"`
		MaxAgents  int      `json:"max_agents,omitempty"`
		Strategy   string   `json:"strategy,omitempty"`
		Execute    bool     `json:"execute"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if len(req.Objectives) == 0 {
		s.writeError(w, r, http.StatusBadRequest, "objectives is required")
		return
	}
	maxAgents := req.MaxAgents
	if maxAgents <= 0 || maxAgents > maxSwarmAgents {
		maxAgents = maxSwarmAgents
	}
	objectives := req.Objectives
	if len(objectives) > maxAgents {
		objectives = objectives[:maxAgents]
	}

	type submitted struct {
		Objective string `json:"objective"`
		JobID     string `json:"job_id,omitempty"`
		Error     string `json:"error,omitempty"`
	}
	out := make([]submitted, 0, len(objectives))
	for _, objective := range objectives {
		jobID, err := s.submitRun(agent.RunRequest{
			Objective:     objective,
			Strategy:      req.Strategy,
			Execute:       req.Execute,
			RecordHistory: s.cfg.Agent.RecordHistory,
			Transport:     s.cfg.Transport.Type,
		})
		entry := submitted{Objective: objective, JobID: jobID}
		if err != nil {
			entry.Error = err.Error()
		}
		out = append(out, entry)
	}
	s.appendAudit(r, "run", "swarm", "queued", "", "")
	s.writeJSON(w, http.StatusAccepted, map[string]any{"jobs": out})
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActionLogID int64 `json:"action_log_id,omitempty"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}

	logID := req.ActionLogID
	if logID == 0 {
		entry, err := s.actions.LatestPending()
		if err != nil {
			s.writeError(w, r, http.StatusNotFound, "no pending action to undo")
			return
		}
		logID = entry.ID
	}

	res := s.runner.UndoEntry(r.Context(), logID, s.cfg.Transport.Type)
	if res.Error != "" {
		s.appendAudit(r, "undo", "entry", "failed", "action", strconv.FormatInt(logID, 10))
		status := http.StatusInternalServerError
		if strings.Contains(res.Error, "not found") {
			status = http.StatusNotFound
		}
		s.writeError(w, r, status, res.Error)
		return
	}
	s.appendAudit(r, "undo", "entry", "ok", "action", strconv.FormatInt(logID, 10))
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.actions.List(queryInt(r, "limit", 50))
	if err != nil {
		s.handleErr(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.audit.List(auditQuery(r))
	if err != nil {
		s.handleErr(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func auditQuery(r *http.Request) audit.ListQuery {
	q := r.URL.Query()
	sinceID, _ := strconv.ParseInt(q.Get("since_id"), 10, 64)
	return audit.ListQuery{
		Limit:      queryInt(r, "limit", 100),
		Category:   q.Get("category"),
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
		SinceID:    sinceID,
	}
}

// handleSubmitErr maps queue saturation onto 503 and everything else onto the
// usual error mapping.
func (s *Server) handleSubmitErr(w http.ResponseWriter, r *http.Request, err error) {
	if err == jobs.ErrQueueFull {
		s.writeError(w, r, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.handleErr(w, r, err)
}

// appendAudit records an audit event; failures are logged, never surfaced.
func (s *Server) appendAudit(r *http.Request, category, action, status, entityType, entityID string) {
	_, err := s.audit.Append(audit.Entry{
		Category:   category,
		Action:     action,
		Status:     status,
		RequestID:  requestID(r),
		EntityType: entityType,
		EntityID:   entityID,
	})
	if err != nil {
		s.log.Warn("append audit event", zap.Error(err))
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
