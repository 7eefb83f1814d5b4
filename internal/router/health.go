package router

import (
	"context"
	"time"
)

// EndpointHealth is one endpoint's probe outcome.
type EndpointHealth struct {
	Name      string `json:"name"`
	Model     string `json:"model"`
	OK        bool   `json:"ok"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// probeMessages is a minimal completion used to verify reachability.
var probeMessages = []Message{{Role: "user", Content: "Reply with the single word: pong"}}

// HealthCheck probes the named endpoints, or all of them when names is empty.
// Probes run sequentially; a dead endpoint costs at most one timeout.
func (r *Router) HealthCheck(ctx context.Context, names []string) []EndpointHealth {
	if len(names) == 0 {
		for _, ep := range r.endpoints {
			names = append(names, ep.Name)
		}
	}
	out := make([]EndpointHealth, 0, len(names))
	for _, name := range names {
		ep, ok := r.byName[name]
		if !ok {
			out = append(out, EndpointHealth{Name: name, Error: "unknown endpoint"})
			continue
		}
		start := time.Now()
		_, err := r.callOne(ctx, ep, probeMessages)
		h := EndpointHealth{
			Name:      name,
			Model:     ep.Model,
			OK:        err == nil,
			LatencyMS: time.Since(start).Milliseconds(),
		}
		if err != nil {
			h.Error = err.Error()
		}
		out = append(out, h)
	}
	return out
}
