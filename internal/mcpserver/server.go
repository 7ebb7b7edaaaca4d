// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mcpserver exposes the control plane as MCP tools over stdio, so
// coding agents can inspect workspaces and drive agent loops.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/tombee/workbench/internal/client"
)

// Server wraps the MCP server and the API client the tools call through.
type Server struct {
	mcpServer *server.MCPServer
	client    *client.Client
	version   string
	logger    *slog.Logger
}

// Config configures the MCP server.
type Config struct {
	// Client is the authenticated API client tools call through.
	Client *client.Client

	// Version is the Workbench version reported to MCP clients.
	Version string

	// Logger defaults to a text handler on stderr; stdout belongs to the
	// MCP stdio protocol.
	Logger *slog.Logger
}

// New creates an MCP server with the Workbench tools registered.
func New(cfg Config) (*Server, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("mcpserver: client is required")
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	s := &Server{
		mcpServer: server.NewMCPServer("workbench", cfg.Version),
		client:    cfg.Client,
		version:   cfg.Version,
		logger:    logger,
	}
	s.registerTools()
	return s, nil
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.Tool{
		Name:        "workspace_list",
		Description: "List the user's development workspaces with status and domain.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"status": map[string]interface{}{
					"type":        "string",
					"description": "Optional status filter (pending, running, stopped, terminated)",
				},
			},
		},
	}, s.handleWorkspaceList)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "workspace_get",
		Description: "Get one workspace by ID, including exposed ports and tunnel state.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"workspace_id": map[string]interface{}{
					"type":        "string",
					"description": "The workspace ID",
				},
			},
			Required: []string{"workspace_id"},
		},
	}, s.handleWorkspaceGet)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "loop_list",
		Description: "List the user's agent loops with run counters.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"status": map[string]interface{}{
					"type":        "string",
					"description": "Optional status filter (active, paused, completed, halted, archived)",
				},
			},
		},
	}, s.handleLoopList)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "loop_get",
		Description: "Get one agent loop by ID, including its run history.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"loop_id": map[string]interface{}{
					"type":        "string",
					"description": "The loop ID",
				},
			},
			Required: []string{"loop_id"},
		},
	}, s.handleLoopGet)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "run_start",
		Description: "Start a new run on an active agent loop. Fails when the loop is paused, archived, or out of run slots.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"loop_id": map[string]interface{}{
					"type":        "string",
					"description": "The loop to run",
				},
			},
			Required: []string{"loop_id"},
		},
	}, s.handleRunStart)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "run_status",
		Description: "Get the status of a single agent run, including its PR URL and error, if any.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"run_id": map[string]interface{}{
					"type":        "string",
					"description": "The run ID",
				},
			},
			Required: []string{"run_id"},
		},
	}, s.handleRunStatus)
}

func (s *Server) handleWorkspaceList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workspaces, err := s.client.ListWorkspaces(ctx, request.GetString("status", ""))
	if err != nil {
		return errorResponse(err), nil
	}
	return jsonResponse(map[string]any{"workspaces": workspaces})
}

func (s *Server) handleWorkspaceGet(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := request.GetString("workspace_id", "")
	if id == "" {
		return mcp.NewToolResultError("workspace_id is required"), nil
	}
	ws, err := s.client.GetWorkspace(ctx, id)
	if err != nil {
		return errorResponse(err), nil
	}
	return jsonResponse(ws)
}

func (s *Server) handleLoopList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	loops, err := s.client.ListLoops(ctx, request.GetString("status", ""))
	if err != nil {
		return errorResponse(err), nil
	}
	return jsonResponse(map[string]any{"loops": loops})
}

func (s *Server) handleLoopGet(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := request.GetString("loop_id", "")
	if id == "" {
		return mcp.NewToolResultError("loop_id is required"), nil
	}
	lp, err := s.client.GetLoop(ctx, id)
	if err != nil {
		return errorResponse(err), nil
	}
	runs, err := s.client.ListRuns(ctx, id)
	if err != nil {
		return errorResponse(err), nil
	}
	return jsonResponse(map[string]any{"loop": lp, "runs": runs})
}

func (s *Server) handleRunStart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := request.GetString("loop_id", "")
	if id == "" {
		return mcp.NewToolResultError("loop_id is required"), nil
	}
	run, err := s.client.StartRun(ctx, id)
	if err != nil {
		return errorResponse(err), nil
	}
	return jsonResponse(run)
}

func (s *Server) handleRunStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := request.GetString("run_id", "")
	if id == "" {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	run, err := s.client.GetRun(ctx, id)
	if err != nil {
		return errorResponse(err), nil
	}
	return jsonResponse(run)
}

// Run serves the MCP protocol over stdio until the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server", slog.String("version", s.version))
	if err := server.ServeStdio(s.mcpServer); err != nil {
		return fmt.Errorf("MCP server error: %w", err)
	}
	return nil
}

// jsonResponse marshals v as an indented JSON text result.
func jsonResponse(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// errorResponse surfaces API failures as tool errors rather than protocol
// errors, so the calling agent can read and react to them.
func errorResponse(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(err.Error())
}
