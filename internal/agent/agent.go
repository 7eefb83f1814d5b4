// Package agent turns a natural-language objective into a sanitized action
// list by prompting the model router, then optionally executes the actions.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/novaadapt/novaadapt/internal/action"
	"github.com/novaadapt/novaadapt/internal/actionlog"
	"github.com/novaadapt/novaadapt/internal/policy"
	"github.com/novaadapt/novaadapt/internal/router"
	"github.com/novaadapt/novaadapt/internal/transport"
)

const systemPrompt = `You are a desktop automation planner. Given an objective,
reply with ONLY a JSON object of the form {"actions": [...]}. Each action has a
"type" (e.g. click, type, open_url, run_shell), a "target", an optional
"value", and an optional "undo" action that reverses it. Do not add prose.`

// DefaultMaxActions bounds how many actions one objective may yield.
const DefaultMaxActions = 20

// RunRequest describes one agent invocation.
type RunRequest struct {
	Objective      string   `json:"objective"`
	Strategy       string   `json:"strategy,omitempty"`
	Endpoint       string   `json:"model,omitempty"`
	Candidates     []string `json:"candidates,omitempty"`
	Fallbacks      []string `json:"fallbacks,omitempty"`
	Execute        bool     `json:"execute"`
	AllowDangerous bool     `json:"allow_dangerous"`
	MaxActions     int      `json:"max_actions,omitempty"`
	RecordHistory  bool     `json:"record_history"`
	Transport      string   `json:"transport,omitempty"`
}

// ExecResult records the outcome of dispatching one sanitized action.
type ExecResult struct {
	Status    string        `json:"status"`
	Output    string        `json:"output,omitempty"`
	Action    action.Action `json:"action"`
	Dangerous bool          `json:"dangerous"`
}

// RunResult aggregates the routing evidence, the sanitized actions, and the
// per-action execution outcomes.
type RunResult struct {
	Objective    string              `json:"objective"`
	ModelName    string              `json:"model_name"`
	ModelID      string              `json:"model_id"`
	Strategy     string              `json:"strategy"`
	Votes        map[string]string   `json:"votes,omitempty"`
	Errors       map[string]string   `json:"errors,omitempty"`
	Attempted    []string            `json:"attempted,omitempty"`
	Vote         *router.VoteSummary `json:"vote_summary,omitempty"`
	Actions      []action.Action     `json:"actions"`
	Results      []ExecResult        `json:"results"`
	ActionLogIDs []int64             `json:"action_log_ids"`
}

// Agent composes prompts, parses replies, and drives the execution loop.
type Agent struct {
	router     *router.Router
	transports *transport.Registry
	actions    *actionlog.Store
	maxActions int
	log        *zap.Logger
}

// New wires an agent. maxActions caps the per-objective action count;
// non-positive uses DefaultMaxActions.
func New(r *router.Router, transports *transport.Registry, actions *actionlog.Store, maxActions int, log *zap.Logger) *Agent {
	if maxActions <= 0 {
		maxActions = DefaultMaxActions
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Agent{router: r, transports: transports, actions: actions, maxActions: maxActions, log: log}
}

// Propose asks the router for an action list without executing anything.
// Used by plan creation.
func (ag *Agent) Propose(ctx context.Context, req RunRequest) ([]action.Action, router.Result, error) {
	messages := []router.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: req.Objective},
	}
	res, err := ag.router.Chat(ctx, messages, router.ChatOptions{
		Endpoint:   req.Endpoint,
		Strategy:   req.Strategy,
		Candidates: req.Candidates,
		Fallbacks:  req.Fallbacks,
	})
	if err != nil {
		return nil, router.Result{}, err
	}
	max := req.MaxActions
	if max <= 0 || max > ag.maxActions {
		max = ag.maxActions
	}
	return ParseActions(res.Content, max), res, nil
}

// Run proposes actions and walks them through the policy gate and transport.
// Execute=false dry-runs every action; blocked and note actions never reach
// the transport.
func (ag *Agent) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	actions, routed, err := ag.Propose(ctx, req)
	if err != nil {
		return RunResult{}, err
	}

	out := RunResult{
		Objective:    req.Objective,
		ModelName:    routed.EndpointName,
		ModelID:      routed.Model,
		Strategy:     routed.Strategy,
		Votes:        routed.Replies,
		Errors:       routed.Errors,
		Attempted:    routed.Attempted,
		Vote:         routed.Vote,
		Actions:      actions,
		Results:      make([]ExecResult, 0, len(actions)),
		ActionLogIDs: []int64{},
	}

	for _, a := range actions {
		res := ag.dispatch(ctx, a, req)
		out.Results = append(out.Results, res)

		if req.RecordHistory && !a.IsNote() {
			logID, err := ag.actions.Append(a, res.Status)
			if err != nil {
				ag.log.Error("append action log", zap.Error(err))
				continue
			}
			out.ActionLogIDs = append(out.ActionLogIDs, logID)
		}
	}
	return out, nil
}

func (ag *Agent) dispatch(ctx context.Context, a action.Action, req RunRequest) ExecResult {
	if a.IsNote() {
		return ExecResult{Status: transport.StatusPreview, Output: a.Value, Action: a}
	}

	dec := policy.Evaluate(a, req.AllowDangerous)
	if req.Execute && !dec.Allowed {
		return ExecResult{Status: transport.StatusBlocked, Output: dec.Reason, Action: a, Dangerous: dec.Dangerous}
	}

	res, err := ag.transports.Execute(ctx, req.Transport, a, !req.Execute)
	if err != nil {
		return ExecResult{Status: transport.StatusFailed, Output: err.Error(), Action: a, Dangerous: dec.Dangerous}
	}
	return ExecResult{Status: res.Status, Output: res.Output, Action: res.Action, Dangerous: dec.Dangerous}
}

// maxNotePrefix bounds the raw-text prefix captured by diagnostic notes.
const maxNotePrefix = 300

// ParseActions applies the model-output parsing contract: strip an optional
// code fence, accept {"actions": [...]} or a bare list, sanitize each item,
// and cap at max. Anything unparseable yields a single diagnostic note with a
// bounded prefix of the raw text.
func ParseActions(raw string, max int) []action.Action {
	text := strings.TrimSpace(raw)
	text = stripFence(text)

	items, err := decodeActionItems(text)
	if err != nil {
		return []action.Action{action.Note("unparsed_output", notePrefix(raw, err))}
	}
	return action.SanitizeList(items, max)
}

func decodeActionItems(text string) ([]any, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case map[string]any:
		list, ok := t["actions"].([]any)
		if !ok || len(list) == 0 {
			return nil, fmt.Errorf("object has no actions list")
		}
		return list, nil
	case []any:
		if len(t) == 0 {
			return nil, fmt.Errorf("empty action list")
		}
		return t, nil
	default:
		return nil, fmt.Errorf("not an object or list")
	}
}

// stripFence removes a wrapping triple-backtick fence and an optional leading
// language tag.
func stripFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		head := strings.TrimSpace(text[:nl])
		if head == "json" || head == "" {
			text = text[nl+1:]
		}
	}
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}

func notePrefix(raw string, err error) string {
	prefix := strings.TrimSpace(raw)
	if len(prefix) > maxNotePrefix {
		cut := maxNotePrefix
		for cut > 0 && !utf8.RuneStart(prefix[cut]) {
			cut--
		}
		prefix = prefix[:cut]
	}
	return fmt.Sprintf("could not parse model output (%v): %s", err, prefix)
}
