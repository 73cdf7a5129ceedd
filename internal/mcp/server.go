// Package mcp exposes run control as Model Context Protocol tools.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"flowforge/internal/jobs"
	"flowforge/internal/services"
	"flowforge/pkg/models"
)

// Runs is the run control surface the tools call into.
type Runs interface {
	CreateRun(ctx context.Context, req services.CreateRunRequest) (*models.Run, error)
	GetRunDetail(ctx context.Context, id string) (*services.RunDetail, error)
	ListEvents(ctx context.Context, runID string, afterID int64, limit int) ([]*models.RunEvent, error)
	ResumeRun(ctx context.Context, id string) (*models.Run, error)
	CancelRun(ctx context.Context, id string) (*models.Run, error)
	EnqueueProviderTest(ctx context.Context, payload jobs.TestProviderPayload) (*models.Job, error)
}

type Server struct {
	mcpServer *server.MCPServer
	runs      Runs
}

func NewServer(runs Runs, version string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Flowforge",
			version,
			server.WithToolCapabilities(true),
		),
		runs: runs,
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
			"create_run",
			mcp.WithDescription("Queue a new run of a flow"),
			mcp.WithString("flow_id", mcp.Required(), mcp.Description("The ID of the flow to run")),
			mcp.WithString("user_prompt", mcp.Required(), mcp.Description("The prompt the run starts from")),
			mcp.WithString("mode", mcp.Enum("express", "custom"), mcp.Description("custom pauses at stage breakpoints")),
			mcp.WithNumber("seed", mcp.Description("Seed for reproducible generation")),
		),
		s.handleCreateRun,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_run",
			mcp.WithDescription("Get a run with its stage attempts and assets"),
			mcp.WithString("id", mcp.Required(), mcp.Description("The ID of the run")),
		),
		s.handleGetRun,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"resume_run",
			mcp.WithDescription("Resume a run paused at a breakpoint"),
			mcp.WithString("id", mcp.Required(), mcp.Description("The ID of the run")),
		),
		s.handleResumeRun,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"cancel_run",
			mcp.WithDescription("Cancel a run that has not finished"),
			mcp.WithString("id", mcp.Required(), mcp.Description("The ID of the run")),
		),
		s.handleCancelRun,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_run_events",
			mcp.WithDescription("List the event log of a run"),
			mcp.WithString("id", mcp.Required(), mcp.Description("The ID of the run")),
			mcp.WithNumber("after", mcp.Description("Only return events with a greater id")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of events")),
		),
		s.handleListRunEvents,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"enqueue_provider_test",
			mcp.WithDescription("Queue a one-off call to a provider to check its configuration"),
			mcp.WithString("provider", mcp.Required(), mcp.Description("The provider ID")),
			mcp.WithString("prompt", mcp.Required(), mcp.Description("The prompt to send")),
			mcp.WithString("model", mcp.Description("Model ID passed to the provider")),
			mcp.WithString("kind", mcp.Enum("llm", "image", "model3d", "code"), mcp.Description("Stage kind to simulate")),
		),
		s.handleEnqueueProviderTest,
	)
}

func (s *Server) handleCreateRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	req := services.CreateRunRequest{}
	req.FlowID, _ = args["flow_id"].(string)
	req.UserPrompt, _ = args["user_prompt"].(string)
	if mode, ok := args["mode"].(string); ok {
		req.Mode = models.RunMode(mode)
	}
	if seed, ok := args["seed"].(float64); ok {
		n := int64(seed)
		req.Seed = &n
	}

	run, err := s.runs.CreateRun(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create run: %v", err)), nil
	}
	return jsonResult(run)
}

func (s *Server) handleGetRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := requiredID(request)
	if errResult != nil {
		return errResult, nil
	}

	detail, err := s.runs.GetRunDetail(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get run: %v", err)), nil
	}
	return jsonResult(detail)
}

func (s *Server) handleResumeRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := requiredID(request)
	if errResult != nil {
		return errResult, nil
	}

	run, err := s.runs.ResumeRun(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to resume run: %v", err)), nil
	}
	return jsonResult(run)
}

func (s *Server) handleCancelRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := requiredID(request)
	if errResult != nil {
		return errResult, nil
	}

	run, err := s.runs.CancelRun(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to cancel run: %v", err)), nil
	}
	return jsonResult(run)
}

func (s *Server) handleListRunEvents(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := requiredID(request)
	if errResult != nil {
		return errResult, nil
	}
	args, _ := request.Params.Arguments.(map[string]interface{})
	after, _ := args["after"].(float64)
	limit, _ := args["limit"].(float64)

	events, err := s.runs.ListEvents(ctx, id, int64(after), int(limit))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list events: %v", err)), nil
	}
	return jsonResult(events)
}

func (s *Server) handleEnqueueProviderTest(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	payload := jobs.TestProviderPayload{}
	payload.Provider, _ = args["provider"].(string)
	payload.Prompt, _ = args["prompt"].(string)
	payload.Model, _ = args["model"].(string)
	if kind, ok := args["kind"].(string); ok {
		payload.Kind = models.StageKind(kind)
	}

	job, err := s.runs.EnqueueProviderTest(ctx, payload)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to enqueue provider test: %v", err)), nil
	}
	return jsonResult(job)
}

func requiredID(request mcp.CallToolRequest) (string, *mcp.CallToolResult) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return "", mcp.NewToolResultError("Invalid arguments type")
	}
	id, ok := args["id"].(string)
	if !ok || id == "" {
		return "", mcp.NewToolResultError("Missing required parameter: id")
	}
	return id, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// MountHTTPHandlers serves the SSE transport under /mcp.
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
