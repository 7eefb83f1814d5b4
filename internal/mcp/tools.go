package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/novaadapt/novaadapt/internal/agent"
	"github.com/novaadapt/novaadapt/internal/audit"
	"github.com/novaadapt/novaadapt/internal/plan"
)

type toolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

func objectSchema(required []string, props map[string]any) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func toolDescriptors() []toolDescriptor {
	str := func(desc string) map[string]any {
		return map[string]any{"type": "string", "description": desc}
	}
	boolean := func(desc string) map[string]any {
		return map[string]any{"type": "boolean", "description": desc}
	}
	integer := func(desc string) map[string]any {
		return map[string]any{"type": "integer", "description": desc}
	}
	return []toolDescriptor{
		{
			Name:        "novaadapt_run",
			Description: "Propose actions for an objective and optionally execute them.",
			InputSchema: objectSchema([]string{"objective"}, map[string]any{
				"objective":       str("What the agent should accomplish"),
				"strategy":        str("Routing strategy: single or vote"),
				"model":           str("Model endpoint name; default when empty"),
				"execute":         boolean("Execute actions instead of dry-running them"),
				"allow_dangerous": boolean("Let dangerous actions through the policy gate"),
			}),
		},
		{
			Name:        "novaadapt_plan_create",
			Description: "Propose actions and persist them as a pending plan for review.",
			InputSchema: objectSchema([]string{"objective"}, map[string]any{
				"objective": str("What the plan should accomplish"),
				"strategy":  str("Routing strategy: single or vote"),
				"model":     str("Model endpoint name; default when empty"),
			}),
		},
		{
			Name:        "novaadapt_plan_approve",
			Description: "Approve a pending plan; set execute to run it immediately.",
			InputSchema: objectSchema([]string{"plan_id"}, map[string]any{
				"plan_id":         str("Plan to approve"),
				"execute":         boolean("Run the plan after approval"),
				"allow_dangerous": boolean("Let dangerous actions through the policy gate"),
			}),
		},
		{
			Name:        "novaadapt_plan_reject",
			Description: "Reject a plan with an optional reason.",
			InputSchema: objectSchema([]string{"plan_id"}, map[string]any{
				"plan_id": str("Plan to reject"),
				"reason":  str("Why the plan is rejected"),
			}),
		},
		{
			Name:        "novaadapt_plan_list",
			Description: "List recent plans, optionally filtered by status.",
			InputSchema: objectSchema(nil, map[string]any{
				"status": str("Filter: pending, approved, executing, executed, failed, rejected"),
				"limit":  integer("Maximum plans to return"),
			}),
		},
		{
			Name:        "novaadapt_undo",
			Description: "Undo one action-log entry, the latest pending one by default.",
			InputSchema: objectSchema(nil, map[string]any{
				"action_log_id": integer("Entry to undo; latest pending when omitted"),
			}),
		},
		{
			Name:        "novaadapt_jobs_list",
			Description: "List recent async jobs and their states.",
			InputSchema: objectSchema(nil, map[string]any{
				"limit": integer("Maximum jobs to return"),
			}),
		},
		{
			Name:        "novaadapt_job_cancel",
			Description: "Request cooperative cancellation of an async job.",
			InputSchema: objectSchema([]string{"job_id"}, map[string]any{
				"job_id": str("Job to cancel"),
			}),
		},
		{
			Name:        "novaadapt_models",
			Description: "List configured model endpoints and the default.",
			InputSchema: objectSchema(nil, map[string]any{}),
		},
		{
			Name:        "novaadapt_history",
			Description: "List recent action-log entries.",
			InputSchema: objectSchema(nil, map[string]any{
				"limit": integer("Maximum entries to return"),
			}),
		},
		{
			Name:        "novaadapt_events",
			Description: "List audit events, newest first.",
			InputSchema: objectSchema(nil, map[string]any{
				"category":  str("Filter by event category"),
				"entity_id": str("Filter by entity id"),
				"since_id":  integer("Return only events with id greater than this"),
				"limit":     integer("Maximum events to return"),
			}),
		},
	}
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// callTool runs one tool invocation. Tool failures are reported inside the
// result with isError, per the protocol; only malformed requests become
// JSON-RPC errors.
func (s *Server) callTool(ctx context.Context, raw json.RawMessage) response {
	var params callParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return response{Error: &rpcError{Code: codeInvalidParams, Message: "invalid params: " + err.Error()}}
	}

	result, err := s.runTool(ctx, params.Name, params.Arguments)
	if err != nil {
		if strings.HasPrefix(err.Error(), "unknown tool") {
			return response{Error: &rpcError{Code: codeInvalidParams, Message: err.Error()}}
		}
		return response{Result: map[string]any{
			"content": []map[string]any{{"type": "text", "text": err.Error()}},
			"isError": true,
		}}
	}

	text, err := json.Marshal(result)
	if err != nil {
		return response{Error: &rpcError{Code: codeInternalError, Message: "serialize result: " + err.Error()}}
	}
	return response{Result: map[string]any{
		"content": []map[string]any{{"type": "text", "text": string(text)}},
	}}
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func (s *Server) runTool(ctx context.Context, name string, args json.RawMessage) (any, error) {
	switch name {
	case "novaadapt_run":
		var req agent.RunRequest
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		if strings.TrimSpace(req.Objective) == "" {
			return nil, fmt.Errorf("objective is required")
		}
		req.RecordHistory = req.Execute
		if req.Transport == "" {
			req.Transport = s.deps.Transport
		}
		return s.deps.Agent.Run(ctx, req)

	case "novaadapt_plan_create":
		var req agent.RunRequest
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		if strings.TrimSpace(req.Objective) == "" {
			return nil, fmt.Errorf("objective is required")
		}
		actions, routed, err := s.deps.Agent.Propose(ctx, req)
		if err != nil {
			return nil, err
		}
		return s.deps.Plans.Create(plan.Plan{
			ID:        s.deps.Plans.NewID(),
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

	case "novaadapt_plan_approve":
		var req struct {
			PlanID         string `json:"plan_id"`
			Execute        bool   `json:"execute"`
			AllowDangerous bool   `json:"allow_dangerous"`
		}
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		if req.PlanID == "" {
			return nil, fmt.Errorf("plan_id is required")
		}
		if !req.Execute {
			return s.deps.Plans.Approve(req.PlanID)
		}
		return s.deps.Runner.Execute(ctx, req.PlanID, plan.ExecOptions{
			AllowDangerous: req.AllowDangerous,
			Transport:      s.deps.Transport,
		})

	case "novaadapt_plan_reject":
		var req struct {
			PlanID string `json:"plan_id"`
			Reason string `json:"reason,omitempty"`
		}
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		if req.PlanID == "" {
			return nil, fmt.Errorf("plan_id is required")
		}
		return s.deps.Plans.Reject(req.PlanID, req.Reason)

	case "novaadapt_plan_list":
		var req struct {
			Status string `json:"status,omitempty"`
			Limit  int    `json:"limit,omitempty"`
		}
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		return s.deps.Plans.List(req.Limit, plan.Status(req.Status))

	case "novaadapt_undo":
		var req struct {
			ActionLogID int64 `json:"action_log_id,omitempty"`
		}
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		logID := req.ActionLogID
		if logID == 0 {
			entry, err := s.deps.Actions.LatestPending()
			if err != nil {
				return nil, fmt.Errorf("no pending action to undo")
			}
			logID = entry.ID
		}
		res := s.deps.Runner.UndoEntry(ctx, logID, s.deps.Transport)
		if res.Error != "" {
			return nil, fmt.Errorf("%s", res.Error)
		}
		return res, nil

	case "novaadapt_jobs_list":
		var req struct {
			Limit int `json:"limit,omitempty"`
		}
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		return s.deps.Jobs.List(req.Limit)

	case "novaadapt_job_cancel":
		var req struct {
			JobID string `json:"job_id"`
		}
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		if req.JobID == "" {
			return nil, fmt.Errorf("job_id is required")
		}
		return s.deps.Jobs.Cancel(req.JobID)

	case "novaadapt_models":
		type endpointView struct {
			Name        string `json:"name"`
			DisplayName string `json:"display_name,omitempty"`
			Provider    string `json:"provider"`
			Model       string `json:"model"`
		}
		eps := s.deps.Router.List()
		views := make([]endpointView, 0, len(eps))
		for _, ep := range eps {
			views = append(views, endpointView{
				Name:        ep.Name,
				DisplayName: ep.DisplayName,
				Provider:    ep.Provider,
				Model:       ep.Model,
			})
		}
		return map[string]any{
			"default": s.deps.Router.Default(),
			"models":  views,
		}, nil

	case "novaadapt_history":
		var req struct {
			Limit int `json:"limit,omitempty"`
		}
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		return s.deps.Actions.List(req.Limit)

	case "novaadapt_events":
		var req struct {
			Category string `json:"category,omitempty"`
			EntityID string `json:"entity_id,omitempty"`
			SinceID  int64  `json:"since_id,omitempty"`
			Limit    int    `json:"limit,omitempty"`
		}
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		return s.deps.Audit.List(audit.ListQuery{
			Category: req.Category,
			EntityID: req.EntityID,
			SinceID:  req.SinceID,
			Limit:    req.Limit,
		})

	default:
		return nil, fmt.Errorf("unknown tool %q", name)
	}
}
