package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/slotwarden/slotwarden/internal/model"
)

const (
	pendingURI         = "slotwarden://resolutions/pending"
	resolutionPrefix   = "slotwarden://resolutions/"
	maxPendingResource = 100
)

func (s *Server) registerResources() {
	// slotwarden://resolutions/pending: the human intervention queue.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			pendingURI,
			"Pending Resolutions",
			mcplib.WithResourceDescription("Conflicts waiting for a human: manual review, escalated, and pending resolutions that require a person"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handlePending,
	)

	// slotwarden://resolutions/{id}: one resolution with its action trail.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"slotwarden://resolutions/{id}",
			"Resolution",
			mcplib.WithTemplateDescription("A single resolution with suggestions and its full action trail"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleResolution,
	)
}

// pendingQueue lists every resolution waiting for a human, most urgent first.
func (s *Server) pendingQueue(ctx context.Context) ([]model.ConflictResolution, error) {
	var out []model.ConflictResolution
	yes := true
	for _, st := range []model.ResolutionStatus{model.StatusEscalated, model.StatusManualReview, model.StatusPending} {
		f := model.ResolutionFilter{Status: &st, Limit: maxPendingResource}
		if st == model.StatusPending {
			f.RequiresHuman = &yes
		}
		list, err := s.store.ListResolutions(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("mcp: list %s resolutions: %w", st, err)
		}
		out = append(out, list...)
	}
	sortByUrgency(out)
	if len(out) > maxPendingResource {
		out = out[:maxPendingResource]
	}
	return out, nil
}

func (s *Server) handlePending(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	pending, err := s.pendingQueue(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	items := make([]map[string]any, 0, len(pending))
	for _, r := range pending {
		items = append(items, compactResolution(r, now))
	}
	data, err := json.MarshalIndent(map[string]any{
		"summary":     queueSummary(pending, now),
		"resolutions": items,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal pending: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      pendingURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleResolution(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	id, err := uuid.Parse(strings.TrimPrefix(uri, resolutionPrefix))
	if err != nil {
		return nil, fmt.Errorf("mcp: invalid resolution URI %q", uri)
	}
	res, err := s.resolutions.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: get resolution: %w", err)
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal resolution: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
