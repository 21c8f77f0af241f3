// Package mcp implements the Model Context Protocol server for SlotWarden.
//
// It exposes the human control surface to MCP clients: the pending
// resolution queue as a resource, and tools to resolve, assign, read
// metrics and score a prospective booking. Write tools require the
// operator role carried by the HTTP transport's JWT.
package mcp

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/slotwarden/slotwarden/internal/model"
)

// Store is the read surface used by the pending-queue resource.
type Store interface {
	ListResolutions(ctx context.Context, f model.ResolutionFilter) ([]model.ConflictResolution, error)
}

// Resolutions is the resolution engine surface the tools drive.
type Resolutions interface {
	Get(ctx context.Context, id uuid.UUID) (model.ConflictResolution, error)
	HandleHumanResolution(ctx context.Context, id uuid.UUID, userID, action string, params map[string]any, notes string) (model.ConflictResolution, bool, error)
	AssignResolution(ctx context.Context, id uuid.UUID, assignee, actor string) (model.ConflictResolution, error)
	Metrics(ctx context.Context, window time.Duration) (model.ResolutionMetrics, error)
}

// Risks scores prospective bookings.
type Risks interface {
	AnalyzeBookingRequest(ctx context.Context, req model.RiskAnalyzeRequest) (model.RiskAssessment, error)
}

// Server wraps the MCP server with SlotWarden's service layer.
type Server struct {
	mcpServer   *mcpserver.MCPServer
	store       Store
	resolutions Resolutions
	risks       Risks
	logger      *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools and prompts.
func New(store Store, resolutions Resolutions, risks Risks, logger *slog.Logger, version string) *Server {
	s := &Server{
		store:       store,
		resolutions: resolutions,
		risks:       risks,
		logger:      logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"slotwarden",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithInstructions(`SlotWarden detects and resolves scheduling conflicts.

Read slotwarden://resolutions/pending to see conflicts waiting for a human.
Use slotwarden_resolve to act on one, slotwarden_assign to take ownership,
slotwarden_metrics for queue health, and slotwarden_analyze_booking to score
a booking before it is made.`),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}
