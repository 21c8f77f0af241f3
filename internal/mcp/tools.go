package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/slotwarden/slotwarden/internal/ctxutil"
	"github.com/slotwarden/slotwarden/internal/model"
	"github.com/slotwarden/slotwarden/internal/service/resolution"
)

const maxMetricsWindow = 30 * 24 * time.Hour

func (s *Server) registerTools() {
	// slotwarden_resolve: act on a conflict waiting for a human.
	s.mcpServer.AddTool(
		mcplib.NewTool("slotwarden_resolve",
			mcplib.WithDescription(`Resolve a scheduling conflict that is waiting for a human.

WHEN TO USE: After reading slotwarden://resolutions/pending (or a single
slotwarden://resolutions/{id}) and choosing one of the listed suggestions.

The action runs as you. A successful action marks the resolution
human_resolved; a failed one marks it failed. Acting on an escalated
resolution adds to its audit trail without changing its status.

EXAMPLE: resolution_id="…", action="reschedule",
parameters={"new_start":"2026-03-02T10:00:00Z","new_end":"2026-03-02T10:30:00Z"}`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("resolution_id",
				mcplib.Description("The resolution to act on"),
				mcplib.Required(),
			),
			mcplib.WithString("action",
				mcplib.Description("Strategy to execute, usually one of the resolution's suggestions: keep_internal, keep_external, reschedule, manual_review, convert_hold, release_hold, extend_hold, accept_external, reject_external"),
				mcplib.Required(),
			),
			mcplib.WithObject("parameters",
				mcplib.Description("Strategy parameters, e.g. new_start/new_end for reschedule"),
			),
			mcplib.WithString("notes",
				mcplib.Description("Free-text notes kept on the resolution"),
			),
		),
		s.handleResolve,
	)

	// slotwarden_assign: take or hand off ownership.
	s.mcpServer.AddTool(
		mcplib.NewTool("slotwarden_assign",
			mcplib.WithDescription("Assign an unresolved conflict to an operator. Defaults to yourself."),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("resolution_id",
				mcplib.Description("The resolution to assign"),
				mcplib.Required(),
			),
			mcplib.WithString("assignee_id",
				mcplib.Description("Operator to assign; your own identity when omitted"),
			),
		),
		s.handleAssign,
	)

	// slotwarden_metrics: resolution throughput over a trailing window.
	s.mcpServer.AddTool(
		mcplib.NewTool("slotwarden_metrics",
			mcplib.WithDescription("Resolution metrics over a trailing window: totals by status, type and severity, automation rate, average resolution time, and how many wait for a human."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("window",
				mcplib.Description("Go duration such as 1h, 24h or 168h"),
				mcplib.DefaultString("24h"),
			),
		),
		s.handleMetrics,
	)

	// slotwarden_analyze_booking: score a booking before making it.
	s.mcpServer.AddTool(
		mcplib.NewTool("slotwarden_analyze_booking",
			mcplib.WithDescription(`Predict the conflict risk of a prospective booking.

Returns the probability, risk level, the factors behind it and recommended
prevention strategies. HIGH and CRITICAL risks include up to three
lower-risk alternative slots. Risks at or above 0.5 are recorded.`),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("subject_id",
				mcplib.Description("The schedulable subject (e.g. a clinician)"),
				mcplib.Required(),
			),
			mcplib.WithString("start",
				mcplib.Description("Slot start, RFC3339"),
				mcplib.Required(),
			),
			mcplib.WithString("end",
				mcplib.Description("Slot end, RFC3339"),
				mcplib.Required(),
			),
			mcplib.WithString("patient_id",
				mcplib.Description("Patient whose stored history should inform the prediction"),
			),
		),
		s.handleAnalyzeBooking,
	)
}

// requireOperator returns an error result unless the caller holds the
// operator role.
func requireOperator(ctx context.Context) *mcplib.CallToolResult {
	if ctxutil.ClaimsFromContext(ctx) == nil {
		return errorResult("authentication required")
	}
	if !ctxutil.HasRole(ctx, model.RoleOperator) {
		return errorResult("the operator role is required for this tool")
	}
	return nil
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("failed to encode result: %v", err))
	}
	return textResult(string(data))
}

func serviceError(op string, err error) *mcplib.CallToolResult {
	switch {
	case errors.Is(err, resolution.ErrNotFound):
		return errorResult(op + ": resolution not found")
	case errors.Is(err, resolution.ErrResolutionClosed):
		return errorResult(op + ": resolution is already resolved")
	}
	return errorResult(fmt.Sprintf("%s failed: %v", op, err))
}

func (s *Server) handleResolve(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if denied := requireOperator(ctx); denied != nil {
		return denied, nil
	}
	id, err := uuid.Parse(request.GetString("resolution_id", ""))
	if err != nil {
		return errorResult("resolution_id must be a UUID"), nil
	}
	req := model.ResolveRequest{
		Action: request.GetString("action", ""),
		Notes:  request.GetString("notes", ""),
	}
	if p, ok := request.GetArguments()["parameters"].(map[string]any); ok {
		req.Parameters = p
	}
	if err := req.Validate(); err != nil {
		return errorResult(err.Error()), nil
	}

	res, ok, err := s.resolutions.HandleHumanResolution(ctx, id, ctxutil.OperatorID(ctx), req.Action, req.Parameters, req.Notes)
	if err != nil {
		return serviceError("resolve", err), nil
	}
	s.logger.Info("mcp: resolution handled", "resolution_id", id, "action", req.Action, "success", ok)
	return jsonResult(map[string]any{
		"success":    ok,
		"resolution": compactResolution(res, time.Now()),
	}), nil
}

func (s *Server) handleAssign(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if denied := requireOperator(ctx); denied != nil {
		return denied, nil
	}
	id, err := uuid.Parse(request.GetString("resolution_id", ""))
	if err != nil {
		return errorResult("resolution_id must be a UUID"), nil
	}
	caller := ctxutil.OperatorID(ctx)
	assignee := request.GetString("assignee_id", caller)
	if err := model.ValidateOperatorID(assignee); err != nil {
		return errorResult(fmt.Sprintf("invalid assignee_id: %v", err)), nil
	}

	res, err := s.resolutions.AssignResolution(ctx, id, assignee, caller)
	if err != nil {
		return serviceError("assign", err), nil
	}
	return jsonResult(compactResolution(res, time.Now())), nil
}

func (s *Server) handleMetrics(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	raw := request.GetString("window", "24h")
	window, err := time.ParseDuration(raw)
	if err != nil || window <= 0 || window > maxMetricsWindow {
		return errorResult(fmt.Sprintf("invalid window %q: expected a positive duration up to %s", raw, maxMetricsWindow)), nil
	}
	m, err := s.resolutions.Metrics(ctx, window)
	if err != nil {
		return errorResult(fmt.Sprintf("metrics failed: %v", err)), nil
	}
	return jsonResult(m), nil
}

func (s *Server) handleAnalyzeBooking(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if denied := requireOperator(ctx); denied != nil {
		return denied, nil
	}
	start, err := time.Parse(time.RFC3339, request.GetString("start", ""))
	if err != nil {
		return errorResult("start must be RFC3339"), nil
	}
	end, err := time.Parse(time.RFC3339, request.GetString("end", ""))
	if err != nil {
		return errorResult("end must be RFC3339"), nil
	}
	req := model.RiskAnalyzeRequest{
		SubjectID: request.GetString("subject_id", ""),
		Window:    model.Window{Start: start.UTC(), End: end.UTC()},
		PatientID: request.GetString("patient_id", ""),
	}
	if err := model.ValidateSubjectID(req.SubjectID); err != nil {
		return errorResult(err.Error()), nil
	}
	if err := req.Window.Validate(); err != nil {
		return errorResult(err.Error()), nil
	}

	assessment, err := s.risks.AnalyzeBookingRequest(ctx, req)
	if err != nil {
		return errorResult(fmt.Sprintf("analysis failed: %v", err)), nil
	}
	return jsonResult(assessment), nil
}
