// Package transport turns actions into real side effects through pluggable
// execution backends. Dry-run never mutates external state.
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/novaadapt/novaadapt/internal/action"
)

// Execution statuses.
const (
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusPreview = "preview"
	StatusBlocked = "blocked"
)

// Result is the outcome of dispatching one action. Action is the action
// actually dispatched, possibly normalized by the backend.
type Result struct {
	Status string        `json:"status"`
	Output string        `json:"output,omitempty"`
	Action action.Action `json:"action"`
}

// Transport is an execution backend.
type Transport interface {
	Name() string
	Execute(ctx context.Context, a action.Action, dryRun bool) (Result, error)
	Probe(ctx context.Context) error
}

// Registry holds named transports and serializes calls per instance: backends
// may own single-threaded state.
type Registry struct {
	mu         sync.Mutex
	transports map[string]*entry
	def        string
}

type entry struct {
	mu sync.Mutex
	t  Transport
}

// NewRegistry builds a registry; the first registered transport is the default.
func NewRegistry() *Registry {
	return &Registry{transports: make(map[string]*entry)}
}

// Register adds a transport under its own name.
func (r *Registry) Register(t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.transports) == 0 {
		r.def = t.Name()
	}
	r.transports[t.Name()] = &entry{t: t}
}

// SetDefault selects the transport used when Execute gets an empty name.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.transports[name]; !ok {
		return fmt.Errorf("unknown transport %q", name)
	}
	r.def = name
	return nil
}

// Names lists registered transports.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.transports))
	for name := range r.transports {
		out = append(out, name)
	}
	return out
}

func (r *Registry) get(name string) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name == "" {
		name = r.def
	}
	e, ok := r.transports[name]
	if !ok {
		return nil, fmt.Errorf("unknown transport %q", name)
	}
	return e, nil
}

// Execute dispatches a to the named transport, serialized per instance.
func (r *Registry) Execute(ctx context.Context, name string, a action.Action, dryRun bool) (Result, error) {
	e, err := r.get(name)
	if err != nil {
		return Result{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.t.Execute(ctx, a, dryRun)
}

// Probe checks the named transport's health.
func (r *Registry) Probe(ctx context.Context, name string) error {
	e, err := r.get(name)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.t.Probe(ctx)
}
