// Package mcp exposes the flow orchestrator to AI assistants over the
// Model Context Protocol. Tenant scope comes from the surrounding auth
// middleware, never from tool arguments.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"cloudshift/backend/internal/orchestrator"
	"cloudshift/backend/pkg/models"
)

type Server struct {
	mcpServer *server.MCPServer
	orch      *orchestrator.Orchestrator
}

func NewServer(orch *orchestrator.Orchestrator) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"CloudShift Flow Orchestrator",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		orch: orch,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"create_flow",
			mcp.WithDescription("Create a migration flow and start its first phase"),
			mcp.WithString("flow_type", mcp.Required(), mcp.Description("One of discovery, collection, assessment, planning, decommission")),
			mcp.WithString("config", mcp.Description("Flow-type-specific config as a JSON object string")),
		),
		s.handleCreateFlow,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_flow_status",
			mcp.WithDescription("Get the status, current phase and per-phase state of a flow"),
			mcp.WithString("master_flow_id", mcp.Required(), mcp.Description("The master flow id")),
		),
		s.handleGetFlowStatus,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"resume_flow",
			mcp.WithDescription("Resume a flow phase that is waiting for input"),
			mcp.WithString("master_flow_id", mcp.Required(), mcp.Description("The master flow id")),
			mcp.WithString("phase", mcp.Required(), mcp.Description("The phase to resume")),
			mcp.WithString("user_input", mcp.Description("User-supplied data as a JSON object string")),
		),
		s.handleResumeFlow,
	)
}

func tenantFrom(ctx context.Context) (models.Tenant, error) {
	tenant, ok := models.TenantFrom(ctx)
	if !ok || !tenant.Scoped() {
		return models.Tenant{}, fmt.Errorf("no tenant scope on this connection")
	}
	return tenant, nil
}

func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key].(string)
	return v, ok && v != ""
}

func jsonObjectArg(args map[string]any, key string) (map[string]any, error) {
	raw, ok := stringArg(args, key)
	if !ok {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("%s is not a JSON object: %w", key, err)
	}
	return out, nil
}

func (s *Server) handleCreateFlow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}
	tenant, err := tenantFrom(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	flowType, ok := stringArg(args, "flow_type")
	if !ok {
		return mcp.NewToolResultError("Missing required parameter: flow_type"), nil
	}
	config, err := jsonObjectArg(args, "config")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	id, err := s.orch.Create(ctx, tenant, models.FlowType(flowType), config)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create flow: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(`{"master_flow_id":%q}`, id)), nil
}

func (s *Server) handleGetFlowStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}
	tenant, err := tenantFrom(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	id, ok := stringArg(args, "master_flow_id")
	if !ok {
		return mcp.NewToolResultError("Missing required parameter: master_flow_id"), nil
	}

	report, err := s.orch.GetStatus(ctx, tenant, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get status: %v", err)), nil
	}
	jsonBytes, _ := json.Marshal(report)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleResumeFlow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}
	tenant, err := tenantFrom(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	id, ok := stringArg(args, "master_flow_id")
	if !ok {
		return mcp.NewToolResultError("Missing required parameter: master_flow_id"), nil
	}
	phase, ok := stringArg(args, "phase")
	if !ok {
		return mcp.NewToolResultError("Missing required parameter: phase"), nil
	}
	userInput, err := jsonObjectArg(args, "user_input")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if err := s.orch.Resume(ctx, tenant, id, phase, userInput); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to resume flow: %v", err)), nil
	}
	return mcp.NewToolResultText(`{"status":"resuming"}`), nil
}

// MountHTTPHandlers mounts the MCP endpoints on mux. Direct POSTs hit /mcp;
// streaming clients use the SSE endpoints.
func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
