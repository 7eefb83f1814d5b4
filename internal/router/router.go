// Package router picks a model reply from one or more configured endpoints
// under a routing strategy. Endpoint failures are captured per endpoint and
// never propagate until the whole strategy fails.
package router

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Endpoint is an immutable model endpoint definition.
type Endpoint struct {
	Name        string            `json:"name" yaml:"name"`
	DisplayName string            `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Provider    string            `json:"provider" yaml:"provider"`
	BaseURL     string            `json:"base_url" yaml:"base_url"`
	Model       string            `json:"model" yaml:"model"`
	APIKeyEnv   string            `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"`
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// Message is one role-tagged utterance.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Params are per-call tuning knobs resolved by the router.
type Params struct {
	Temperature float64
	MaxTokens   int
	APIKey      string
}

// Caller performs the outbound model call for one endpoint. Implementations
// must honor ctx cancellation and deadlines.
type Caller interface {
	Complete(ctx context.Context, ep Endpoint, messages []Message, p Params) (string, error)
}

// Strategy names.
const (
	StrategySingle = "single"
	StrategyVote   = "vote"
)

// VoteSummary describes the outcome of a vote strategy.
type VoteSummary struct {
	WinnerVotes   int  `json:"winner_votes"`
	RequiredVotes int  `json:"required_votes"`
	TotalVotes    int  `json:"total_votes"`
	QuorumMet     bool `json:"quorum_met"`
}

// Result is the outcome of Chat.
type Result struct {
	EndpointName string            `json:"model_name"`
	Model        string            `json:"model_id"`
	Content      string            `json:"content"`
	Strategy     string            `json:"strategy"`
	Replies      map[string]string `json:"votes,omitempty"`
	Errors       map[string]string `json:"errors,omitempty"`
	Attempted    []string          `json:"attempted,omitempty"`
	Vote         *VoteSummary      `json:"vote_summary,omitempty"`
}

// ChatOptions selects strategy and participants for one Chat call.
type ChatOptions struct {
	// Endpoint overrides the default endpoint for the single strategy.
	Endpoint   string
	Strategy   string
	Candidates []string
	Fallbacks  []string
}

// Config is router-wide tuning.
type Config struct {
	Temperature           float64
	MaxTokens             int
	Timeout               time.Duration
	DefaultVoteCandidates int
	MinVoteAgreement      int
}

// Router holds the endpoint registry, immutable after construction.
type Router struct {
	endpoints []Endpoint
	byName    map[string]Endpoint
	def       string
	caller    Caller
	cfg       Config
}

// New builds a router over endpoints. defaultName must name one of them;
// empty defaults to the first endpoint.
func New(endpoints []Endpoint, defaultName string, caller Caller, cfg Config) (*Router, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no model endpoints configured")
	}
	byName := make(map[string]Endpoint, len(endpoints))
	for _, ep := range endpoints {
		if ep.Name == "" {
			return nil, fmt.Errorf("endpoint with empty name")
		}
		if _, dup := byName[ep.Name]; dup {
			return nil, fmt.Errorf("duplicate endpoint name %q", ep.Name)
		}
		byName[ep.Name] = ep
	}
	if defaultName == "" {
		defaultName = endpoints[0].Name
	}
	if _, ok := byName[defaultName]; !ok {
		return nil, fmt.Errorf("default endpoint %q not configured", defaultName)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.DefaultVoteCandidates <= 0 {
		cfg.DefaultVoteCandidates = 3
	}
	if cfg.MinVoteAgreement <= 0 {
		cfg.MinVoteAgreement = 2
	}
	return &Router{endpoints: endpoints, byName: byName, def: defaultName, caller: caller, cfg: cfg}, nil
}

// List enumerates the configured endpoints in declaration order.
func (r *Router) List() []Endpoint {
	out := make([]Endpoint, len(r.endpoints))
	copy(out, r.endpoints)
	return out
}

// Default returns the default endpoint name.
func (r *Router) Default() string { return r.def }

// Chat produces a reply under the requested strategy.
func (r *Router) Chat(ctx context.Context, messages []Message, opts ChatOptions) (Result, error) {
	switch opts.Strategy {
	case "", StrategySingle:
		return r.chatSingle(ctx, messages, opts)
	case StrategyVote:
		return r.chatVote(ctx, messages, opts)
	default:
		return Result{}, &ValidationError{Field: "strategy", Message: fmt.Sprintf("unknown strategy %q", opts.Strategy)}
	}
}

func (r *Router) chatSingle(ctx context.Context, messages []Message, opts ChatOptions) (Result, error) {
	primary := opts.Endpoint
	if primary == "" {
		primary = r.def
	}
	ordered := dedupe(append([]string{primary}, opts.Fallbacks...))

	res := Result{
		Strategy: StrategySingle,
		Errors:   map[string]string{},
	}
	for _, name := range ordered {
		ep, ok := r.byName[name]
		if !ok {
			res.Errors[name] = fmt.Sprintf("unknown endpoint %q", name)
			continue
		}
		res.Attempted = append(res.Attempted, name)
		content, err := r.callOne(ctx, ep, messages)
		if err != nil {
			res.Errors[name] = err.Error()
			continue
		}
		res.EndpointName = name
		res.Model = ep.Model
		res.Content = content
		return res, nil
	}
	return Result{}, &AllFailedError{Strategy: StrategySingle, Errors: res.Errors}
}

func (r *Router) chatVote(ctx context.Context, messages []Message, opts ChatOptions) (Result, error) {
	names := r.voteCandidates(opts.Candidates)

	replies := make(map[string]string, len(names))
	errs := make(map[string]string)

	type reply struct {
		name    string
		content string
		err     error
	}
	results := make([]reply, len(names))

	g, gctx := errgroup.WithContext(ctx)
	limit := len(names)
	if limit > 4 {
		limit = 4
	}
	g.SetLimit(limit)
	for i, name := range names {
		g.Go(func() error {
			ep, ok := r.byName[name]
			if !ok {
				results[i] = reply{name: name, err: fmt.Errorf("unknown endpoint %q", name)}
				return nil
			}
			content, err := r.callOne(gctx, ep, messages)
			results[i] = reply{name: name, content: content, err: err}
			return nil
		})
	}
	_ = g.Wait()

	attempted := make([]string, 0, len(names))
	for _, rep := range results {
		attempted = append(attempted, rep.name)
		if rep.err != nil {
			errs[rep.name] = rep.err.Error()
			continue
		}
		replies[rep.name] = rep.content
	}
	if len(replies) == 0 {
		return Result{}, &AllFailedError{Strategy: StrategyVote, Errors: errs}
	}

	// Majority by normalized equality; ties break by first-seen candidate order.
	counts := make(map[string]int)
	firstSeen := make(map[string]int)
	for i, name := range names {
		content, ok := replies[name]
		if !ok {
			continue
		}
		key := NormalizeReply(content)
		counts[key]++
		if _, seen := firstSeen[key]; !seen {
			firstSeen[key] = i
		}
	}
	winnerKey := ""
	for key, n := range counts {
		if winnerKey == "" || n > counts[winnerKey] ||
			(n == counts[winnerKey] && firstSeen[key] < firstSeen[winnerKey]) {
			winnerKey = key
		}
	}

	summary := &VoteSummary{
		WinnerVotes:   counts[winnerKey],
		RequiredVotes: r.cfg.MinVoteAgreement,
		TotalVotes:    len(replies),
		QuorumMet:     counts[winnerKey] >= r.cfg.MinVoteAgreement,
	}
	if !summary.QuorumMet {
		return Result{}, &QuorumError{WinnerVotes: summary.WinnerVotes, Required: summary.RequiredVotes, Errors: errs}
	}

	// The winning content is the raw reply of the first candidate whose
	// normalized form matches the winner.
	for _, name := range names {
		content, ok := replies[name]
		if !ok {
			continue
		}
		if NormalizeReply(content) == winnerKey {
			return Result{
				EndpointName: name,
				Model:        r.byName[name].Model,
				Content:      content,
				Strategy:     StrategyVote,
				Replies:      replies,
				Errors:       errs,
				Attempted:    attempted,
				Vote:         summary,
			}, nil
		}
	}
	// Unreachable: the winner key came from replies.
	return Result{}, fmt.Errorf("vote winner not found among replies")
}

// voteCandidates resolves the ordered candidate list: explicit candidates, or
// the default endpoint followed by the remaining endpoints truncated to the
// configured width.
func (r *Router) voteCandidates(explicit []string) []string {
	if len(explicit) > 0 {
		return dedupe(explicit)
	}
	names := []string{r.def}
	for _, ep := range r.endpoints {
		if ep.Name != r.def {
			names = append(names, ep.Name)
		}
	}
	if len(names) > r.cfg.DefaultVoteCandidates {
		names = names[:r.cfg.DefaultVoteCandidates]
	}
	return names
}

func (r *Router) callOne(ctx context.Context, ep Endpoint, messages []Message) (string, error) {
	key, err := resolveKey(ep)
	if err != nil {
		return "", err
	}
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	return r.caller.Complete(callCtx, ep, messages, Params{
		Temperature: r.cfg.Temperature,
		MaxTokens:   r.cfg.MaxTokens,
		APIKey:      key,
	})
}

// resolveKey reads the endpoint's credential from the environment. An
// endpoint with an APIKeyEnv that resolves to nothing fails immediately.
func resolveKey(ep Endpoint) (string, error) {
	if ep.APIKeyEnv == "" {
		return "", nil
	}
	key := strings.TrimSpace(os.Getenv(ep.APIKeyEnv))
	if key == "" {
		return "", &MissingCredentialError{Endpoint: ep.Name, EnvVar: ep.APIKeyEnv}
	}
	return key, nil
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := names[:0:0]
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
