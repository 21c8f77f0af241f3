package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// triage-conflict: walks an operator through one waiting conflict.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("triage-conflict",
			mcplib.WithPromptDescription("Review one conflict and pick a resolution"),
			mcplib.WithArgument("resolution_id",
				mcplib.ArgumentDescription("The resolution to triage"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleTriagePrompt,
	)

	// shift-handover: summarizes the queue for the next operator.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("shift-handover",
			mcplib.WithPromptDescription("Summarize the conflicts waiting for a human for a shift handover"),
		),
		s.handleHandoverPrompt,
	)
}

func (s *Server) handleTriagePrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	raw := request.Params.Arguments["resolution_id"]
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("resolution_id argument must be a UUID")
	}
	res, err := s.resolutions.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: triage: %w", err)
	}
	data, err := json.MarshalIndent(compactResolution(res, time.Now()), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: triage: %w", err)
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Triage the %s conflict for %s", res.ConflictType, res.SubjectID),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`A scheduling conflict needs a decision:

%s

1. READ the intervention reason. A high-value patient or policy flag means
   the patient-facing option matters more than the fastest one.

2. CHOOSE one of the suggestions. Prefer the lowest priority number unless
   the reason above argues otherwise.

3. CALL slotwarden_assign with resolution_id="%s" if nobody owns it yet.

4. CALL slotwarden_resolve with resolution_id="%s", the chosen action, its
   parameters, and a short note explaining the choice.`, data, id, id),
				},
			},
		},
	}, nil
}

func (s *Server) handleHandoverPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	pending, err := s.pendingQueue(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	items := make([]map[string]any, 0, len(pending))
	for _, r := range pending {
		items = append(items, compactResolution(r, now))
	}
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: handover: %w", err)
	}

	return &mcplib.GetPromptResult{
		Description: "Shift handover for the human intervention queue",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`%s

Queue, most urgent first:
%s

Write a short handover for the next operator: what is escalated, what is
about to escalate, and who owns what. Call slotwarden_metrics with
window="12h" if throughput matters for the handover.`, queueSummary(pending, now), data),
				},
			},
		},
	}, nil
}
