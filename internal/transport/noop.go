package transport

import (
	"context"
	"fmt"

	"github.com/novaadapt/novaadapt/internal/action"
)

// Noop acknowledges every action without side effects. It is the default
// backend when no executor is configured, and the only one used in dry-run
// focused deployments.
type Noop struct{}

func (Noop) Name() string { return "noop" }

func (Noop) Execute(ctx context.Context, a action.Action, dryRun bool) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	status := StatusOK
	if dryRun {
		status = StatusPreview
	}
	return Result{
		Status: status,
		Output: fmt.Sprintf("noop: %s %s", a.Type, a.Target),
		Action: a,
	}, nil
}

func (Noop) Probe(ctx context.Context) error { return ctx.Err() }
