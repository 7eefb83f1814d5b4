package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/novaadapt/novaadapt/internal/action"
)

// HTTPExec posts each action to a local executor endpoint. The endpoint
// replies with the standard result envelope.
type HTTPExec struct {
	URL     string
	Headers map[string]string
	client  *http.Client
}

// NewHTTPExec builds an HTTP transport against url.
func NewHTTPExec(url string, headers map[string]string, timeout time.Duration) (*HTTPExec, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("http transport needs a url")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPExec{
		URL:     url,
		Headers: headers,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func (h *HTTPExec) Name() string { return "http" }

func (h *HTTPExec) Execute(ctx context.Context, a action.Action, dryRun bool) (Result, error) {
	payload, err := json.Marshal(wireRequest{Action: a, DryRun: dryRun})
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(payload))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range h.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Result{Status: StatusFailed, Output: err.Error(), Action: a}, nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{Status: StatusFailed, Output: fmt.Sprintf("read executor response: %v", err), Action: a}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{
			Status: StatusFailed,
			Output: fmt.Sprintf("executor status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))),
			Action: a,
		}, nil
	}

	var res Result
	if err := json.Unmarshal(raw, &res); err != nil || res.Status == "" {
		status := StatusOK
		if dryRun {
			status = StatusPreview
		}
		return Result{Status: status, Output: strings.TrimSpace(string(raw)), Action: a}, nil
	}
	if res.Action.Type == "" {
		res.Action = a
	}
	return res, nil
}

func (h *HTTPExec) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("executor status %d", resp.StatusCode)
	}
	return nil
}
