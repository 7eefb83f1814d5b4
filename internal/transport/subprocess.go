package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/novaadapt/novaadapt/internal/action"
)

// Subprocess invokes an external executor binary per action. The action is
// written to stdin as JSON; the executor replies on stdout with
// {"status": ..., "output": ..., "action": ...}. A bare non-JSON stdout is
// treated as the output of a successful execution.
type Subprocess struct {
	Command []string
	Timeout time.Duration
}

// NewSubprocess builds a subprocess transport from an argv-style command.
func NewSubprocess(command []string, timeout time.Duration) (*Subprocess, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("subprocess transport needs a command")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Subprocess{Command: command, Timeout: timeout}, nil
}

func (s *Subprocess) Name() string { return "subprocess" }

type wireRequest struct {
	Action action.Action `json:"action"`
	DryRun bool          `json:"dry_run"`
}

func (s *Subprocess) Execute(ctx context.Context, a action.Action, dryRun bool) (Result, error) {
	payload, err := json.Marshal(wireRequest{Action: a, DryRun: dryRun})
	if err != nil {
		return Result{}, err
	}

	runCtx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, s.Command[0], s.Command[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return Result{
			Status: StatusFailed,
			Output: fmt.Sprintf("executor exited: %v: %s", err, strings.TrimSpace(stderr.String())),
			Action: a,
		}, nil
	}

	out := strings.TrimSpace(stdout.String())
	var res Result
	if err := json.Unmarshal([]byte(out), &res); err != nil || res.Status == "" {
		status := StatusOK
		if dryRun {
			status = StatusPreview
		}
		return Result{Status: status, Output: out, Action: a}, nil
	}
	if res.Action.Type == "" {
		res.Action = a
	}
	return res, nil
}

func (s *Subprocess) Probe(ctx context.Context) error {
	if _, err := exec.LookPath(s.Command[0]); err != nil {
		return fmt.Errorf("executor binary: %w", err)
	}
	return ctx.Err()
}
