// Package mcp exposes the orchestrator over the Model Context Protocol:
// line-delimited JSON-RPC 2.0 on stdio, with the agent, plan, and job
// surfaces published as tools.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/novaadapt/novaadapt/internal/actionlog"
	"github.com/novaadapt/novaadapt/internal/agent"
	"github.com/novaadapt/novaadapt/internal/audit"
	"github.com/novaadapt/novaadapt/internal/jobs"
	"github.com/novaadapt/novaadapt/internal/plan"
	"github.com/novaadapt/novaadapt/internal/router"
)

const protocolVersion = "2024-11-05"

// JSON-RPC error codes.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// Deps carries the subsystems the MCP tools dispatch into.
type Deps struct {
	Agent     *agent.Agent
	Router    *router.Router
	Plans     *plan.Store
	Runner    *plan.Runner
	Jobs      *jobs.Manager
	Actions   *actionlog.Store
	Audit     *audit.Store
	Transport string
	Log       *zap.Logger
}

// Server speaks MCP over a reader/writer pair, normally stdin/stdout.
type Server struct {
	deps Deps
	log  *zap.Logger
}

func New(d Deps) *Server {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	return &Server{deps: d, log: d.Log}
}

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Serve reads newline-delimited JSON-RPC requests until EOF or ctx
// cancellation. Notifications (requests without an id) get no response.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 8<<20)
	enc := json.NewEncoder(out)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = enc.Encode(response{
				JSONRPC: "2.0",
				Error:   &rpcError{Code: codeParseError, Message: "parse error: " + err.Error()},
			})
			continue
		}

		resp := s.dispatch(ctx, req)
		if req.ID == nil {
			// Notification.
			continue
		}
		resp.JSONRPC = "2.0"
		resp.ID = req.ID
		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
	return scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, req request) response {
	switch req.Method {
	case "initialize":
		return response{Result: map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "novaadapt", "version": "1.0.0"},
		}}
	case "ping":
		return response{Result: map[string]any{}}
	case "notifications/initialized":
		return response{}
	case "tools/list":
		return response{Result: map[string]any{"tools": toolDescriptors()}}
	case "tools/call":
		return s.callTool(ctx, req.Params)
	default:
		return response{Error: &rpcError{Code: codeMethodNotFound, Message: "method not found: " + req.Method}}
	}
}
