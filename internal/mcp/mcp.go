// Package mcp implements the Model Context Protocol server for Tsugi.
//
// The MCP server exposes run orchestration through MCP tools and
// resources, allowing MCP-compatible AI agents to create runs, follow
// their event streams and fetch results.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/tsugi-ai/tsugi/internal/engine"
	"github.com/tsugi-ai/tsugi/internal/model"
	"github.com/tsugi-ai/tsugi/internal/storage"
)

// Server wraps the MCP server around the run engine.
type Server struct {
	mcpServer *mcpserver.MCPServer
	engine    *engine.Engine
	store     storage.Store
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(eng *engine.Engine, store storage.Store, logger *slog.Logger) *Server {
	s := &Server{
		engine: eng,
		store:  store,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"tsugi",
		"0.1.0",
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// tsugi://runs/active lists runs currently executing.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"tsugi://runs/active",
			"Active Runs",
			mcplib.WithResourceDescription("Runs currently executing"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleActiveRuns,
	)

	// tsugi://runs/queued lists runs waiting for the worker.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"tsugi://runs/queued",
			"Queued Runs",
			mcplib.WithResourceDescription("Runs waiting to be picked up"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleQueuedRuns,
	)
}

func (s *Server) registerTools() {
	// tsugi_create_run creates a run; the background worker executes it.
	s.mcpServer.AddTool(
		mcplib.NewTool("tsugi_create_run",
			mcplib.WithDescription("Create a run that plans and executes steps toward the given goal"),
			mcplib.WithString("goal", mcplib.Description("What the run should accomplish"), mcplib.Required()),
			mcplib.WithString("mode", mcplib.Description("Planning mode hint, e.g. report or charts")),
		),
		s.handleCreateRun,
	)

	// tsugi_run_status returns full run state.
	s.mcpServer.AddTool(
		mcplib.NewTool("tsugi_run_status",
			mcplib.WithDescription("Get a run with its steps, artifacts and first page of events"),
			mcplib.WithString("run_id", mcplib.Description("Run identifier"), mcplib.Required()),
		),
		s.handleRunStatus,
	)

	// tsugi_poll_run pages the event log by cursor.
	s.mcpServer.AddTool(
		mcplib.NewTool("tsugi_poll_run",
			mcplib.WithDescription("Poll a run's event log from a cursor; returns new events and whether the run is done"),
			mcplib.WithString("run_id", mcplib.Description("Run identifier"), mcplib.Required()),
			mcplib.WithNumber("cursor", mcplib.Description("Return events with seq greater than this")),
		),
		s.handlePollRun,
	)

	// tsugi_cancel_run requests cancellation.
	s.mcpServer.AddTool(
		mcplib.NewTool("tsugi_cancel_run",
			mcplib.WithDescription("Cancel a queued or active run; the current step finishes, later steps do not start"),
			mcplib.WithString("run_id", mcplib.Description("Run identifier"), mcplib.Required()),
		),
		s.handleCancelRun,
	)
}

func (s *Server) handleActiveRuns(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	return s.runsByStatus(ctx, "tsugi://runs/active", model.RunStatusActive)
}

func (s *Server) handleQueuedRuns(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	return s.runsByStatus(ctx, "tsugi://runs/queued", model.RunStatusQueued)
}

func (s *Server) runsByStatus(ctx context.Context, uri string, status model.RunStatus) ([]mcplib.ResourceContents, error) {
	runs, err := s.store.ListRunsByStatus(ctx, status, 20)
	if err != nil {
		return nil, fmt.Errorf("mcp: list runs: %w", err)
	}

	data, err := json.MarshalIndent(runs, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal runs: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleCreateRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	goal := request.GetString("goal", "")
	if goal == "" {
		return errorResult("goal is required"), nil
	}

	run, err := s.engine.CreateRun(ctx, "", model.CreateRunRequest{
		Goal: goal,
		Mode: request.GetString("mode", ""),
	})
	if err != nil {
		return errorResult(fmt.Sprintf("failed to create run: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"run_id": run.ID,
		"status": run.Status,
	})
}

func (s *Server) handleRunStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runID, res := parseRunID(request)
	if res != nil {
		return res, nil
	}

	status, err := s.engine.Status(ctx, runID, "")
	if err != nil {
		return errorResult(fmt.Sprintf("failed to read run: %v", err)), nil
	}
	return jsonResult(status)
}

func (s *Server) handlePollRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runID, res := parseRunID(request)
	if res != nil {
		return res, nil
	}

	cursor := int64(request.GetFloat("cursor", 0))
	if cursor < 0 {
		return errorResult("cursor must be non-negative"), nil
	}

	poll, err := s.engine.Poll(ctx, runID, "", cursor)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to poll run: %v", err)), nil
	}
	return jsonResult(poll)
}

func (s *Server) handleCancelRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runID, res := parseRunID(request)
	if res != nil {
		return res, nil
	}

	if err := s.engine.Cancel(ctx, runID, ""); err != nil {
		return errorResult(fmt.Sprintf("failed to cancel run: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"run_id": runID,
		"status": model.RunStatusCancelled,
	})
}

func parseRunID(request mcplib.CallToolRequest) (uuid.UUID, *mcplib.CallToolResult) {
	raw := request.GetString("run_id", "")
	if raw == "" {
		return uuid.Nil, errorResult("run_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errorResult(fmt.Sprintf("invalid run_id %q", raw))
	}
	return id, nil
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
