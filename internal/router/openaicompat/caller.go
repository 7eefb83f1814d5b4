// Package openaicompat calls OpenAI-compatible chat completion endpoints.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/novaadapt/novaadapt/internal/router"
)

const (
	defaultPath    = "/v1/chat/completions"
	maxBodyBytes   = 8 << 20
	defaultTimeout = 2 * time.Minute
)

// Caller implements router.Caller over the chat completions wire format.
type Caller struct {
	client *http.Client
}

// New returns a caller using client, or a default client when nil.
func New(client *http.Client) *Caller {
	if client == nil {
		// Per-request deadlines come from ctx; the client itself never times out.
		client = &http.Client{Timeout: 0}
	}
	return &Caller{client: client}
}

func (c *Caller) Complete(ctx context.Context, ep router.Endpoint, messages []router.Message, p router.Params) (string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}

	body := map[string]any{
		"model":    ep.Model,
		"messages": messages,
	}
	if p.Temperature > 0 {
		body["temperature"] = p.Temperature
	}
	if p.MaxTokens > 0 {
		body["max_tokens"] = p.MaxTokens
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	url := strings.TrimRight(strings.TrimSpace(ep.BaseURL), "/") + defaultPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}
	for k, v := range ep.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("endpoint %s: %w", ep.Name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("endpoint %s: read response: %w", ep.Name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("endpoint %s: status %d: %s", ep.Name, resp.StatusCode, errorSnippet(raw))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("endpoint %s: decode response: %w", ep.Name, err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("endpoint %s: response has no choices", ep.Name)
	}
	return parsed.Choices[0].Message.Content, nil
}

// errorSnippet extracts the provider's error message when the body is the
// usual {"error": {"message": ...}} envelope, else a bounded raw prefix.
func errorSnippet(raw []byte) string {
	var env struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err == nil && env.Error.Message != "" {
		return env.Error.Message
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
