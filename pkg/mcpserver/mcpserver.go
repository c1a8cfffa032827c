// Package mcpserver exposes the routing engine as MCP tools over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/zen-systems/routegate/pkg/engine"
	"github.com/zen-systems/routegate/pkg/executor"
	routeserver "github.com/zen-systems/routegate/pkg/server"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Tools holds the MCP tool handlers.
type Tools struct {
	engine *engine.Engine
	logger zerolog.Logger
}

// NewTools creates the tool set for an engine.
func NewTools(e *engine.Engine, logger zerolog.Logger) *Tools {
	return &Tools{engine: e, logger: logger}
}

// New creates an MCP server with every tool registered.
func New(e *engine.Engine, logger zerolog.Logger) *server.MCPServer {
	s := server.NewMCPServer(
		"routegate",
		Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	t := NewTools(e, logger)
	s.AddTool(QueryTool(), t.HandleQuery)
	s.AddTool(StatusTool(), t.HandleStatus)
	return s
}

// Serve runs the MCP server on stdin/stdout until the client disconnects.
func Serve(e *engine.Engine, logger zerolog.Logger) error {
	return server.ServeStdio(New(e, logger))
}

// QueryTool describes the query tool.
func QueryTool() mcp.Tool {
	return mcp.NewTool("query",
		mcp.WithDescription("Route a prompt to the best available model backend and return its answer. Falls back to other backends on failure."),
		mcp.WithString("text", mcp.Required(), mcp.Description("The prompt to answer")),
		mcp.WithString("task_hint", mcp.Description("Optional task category: coding, analysis, general or unlimited")),
		mcp.WithString("explicit_preference", mcp.Description("Optional backend id to try first")),
		mcp.WithNumber("size_bytes", mcp.Description("Declared payload size in bytes; derived from text when omitted")),
	)
}

// StatusTool describes the routing_status tool.
func StatusTool() mcp.Tool {
	return mcp.NewTool("routing_status",
		mcp.WithDescription("Show backends with their health, aggregated routing metrics and per-category success statistics."),
	)
}

type queryResult struct {
	Content           string   `json:"content"`
	Backend           string   `json:"backend"`
	Chain             []string `json:"chain_attempted"`
	Confidence        float64  `json:"confidence"`
	Reason            string   `json:"reason"`
	DecisionLatencyMs float64  `json:"decision_latency_ms"`
	Rule              string   `json:"rule"`
	Category          string   `json:"category"`
	Degraded          bool     `json:"degraded,omitempty"`
	DecisionID        string   `json:"decision_id"`
}

// HandleQuery implements the query tool.
func (t *Tools) HandleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	reqID := uuid.NewString()
	q := engine.Request{
		Text:               text,
		TaskHint:           req.GetString("task_hint", ""),
		ExplicitPreference: req.GetString("explicit_preference", ""),
		SizeBytes:          int64(req.GetFloat("size_bytes", 0)),
	}

	resp, err := t.engine.DecideAndExecute(ctx, q)
	if err != nil {
		t.logger.Warn().Err(err).Str("request_id", reqID).Msg("query failed")
		return mcp.NewToolResultError(describeError(err)), nil
	}
	t.logger.Info().Str("request_id", reqID).Str("decision", resp.DecisionID).
		Str("backend", resp.BackendUsed).Msg("query answered")

	return jsonResult(queryResult{
		Content:           resp.Content,
		Backend:           resp.BackendUsed,
		Chain:             resp.ChainAttempted,
		Confidence:        resp.Confidence,
		Reason:            resp.Reason,
		DecisionLatencyMs: resp.DecisionLatencyMs,
		Rule:              string(resp.Rule),
		Category:          string(resp.Category),
		Degraded:          resp.Degraded,
		DecisionID:        resp.DecisionID,
	})
}

// HandleStatus implements the routing_status tool.
func (t *Tools) HandleStatus(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(map[string]any{
		"backends":     routeserver.BackendViews(t.engine),
		"metrics":      t.engine.Metrics(),
		"significance": t.engine.Significance(),
		"stats":        t.engine.Stats(),
	})
}

func describeError(err error) string {
	var ex *executor.ExhaustedError
	if !errors.As(err, &ex) {
		return err.Error()
	}
	msg := fmt.Sprintf("all backends failed (chain %v)", ex.Chain)
	for _, a := range ex.Attempts {
		msg += fmt.Sprintf("\n- %s: %s", a.Backend, a.Error)
	}
	return msg
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
