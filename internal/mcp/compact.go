package mcp

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/slotwarden/slotwarden/internal/model"
)

const maxCompactNotes = 200

// compactResolution returns the fields an operator acts on. The action trail,
// content hashes and bookkeeping timestamps are dropped.
func compactResolution(r model.ConflictResolution, now time.Time) map[string]any {
	m := map[string]any{
		"resolution_id":  r.ID,
		"subject_id":     r.SubjectID,
		"conflict_type":  r.ConflictType,
		"severity":       r.Severity,
		"status":         r.Status,
		"requires_human": r.RequiresHuman,
		"created_at":     r.CreatedAt,
		"actions":        len(r.Actions),
	}
	if r.InterventionReason != nil {
		m["intervention_reason"] = *r.InterventionReason
	}
	if r.AssignedTo != nil {
		m["assigned_to"] = *r.AssignedTo
	}
	if r.StrategyUsed != nil {
		m["strategy_used"] = *r.StrategyUsed
	}
	if r.HumanNotes != nil && *r.HumanNotes != "" {
		m["human_notes"] = truncate(*r.HumanNotes, maxCompactNotes)
	}
	if r.EscalationDueAt != nil && r.Status.Open() {
		left := r.EscalationDueAt.Sub(now)
		m["escalates_in_seconds"] = math.Max(0, math.Round(left.Seconds()))
	}
	if len(r.Suggestions) > 0 {
		sugg := make([]map[string]any, 0, len(r.Suggestions))
		for _, s := range r.Suggestions {
			sugg = append(sugg, map[string]any{
				"strategy":    s.Strategy,
				"description": s.Description,
				"automatic":   s.Automatic,
			})
		}
		m["suggestions"] = sugg
	}
	return m
}

// queueSummary is a one-paragraph digest of the pending queue, most urgent
// first.
func queueSummary(pending []model.ConflictResolution, now time.Time) string {
	if len(pending) == 0 {
		return "No conflicts are waiting for a human."
	}
	escalated := 0
	unassigned := 0
	bySeverity := map[model.Severity]int{}
	for _, r := range pending {
		if r.Status == model.StatusEscalated {
			escalated++
		}
		if r.AssignedTo == nil {
			unassigned++
		}
		bySeverity[r.Severity]++
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d conflict(s) waiting for a human", len(pending))
	if escalated > 0 {
		fmt.Fprintf(&b, ", %d escalated", escalated)
	}
	if unassigned > 0 {
		fmt.Fprintf(&b, ", %d unassigned", unassigned)
	}
	b.WriteString(".")

	sevs := make([]model.Severity, 0, len(bySeverity))
	for s := range bySeverity {
		sevs = append(sevs, s)
	}
	sort.Slice(sevs, func(i, j int) bool { return sevs[i].Rank() > sevs[j].Rank() })
	parts := make([]string, 0, len(sevs))
	for _, s := range sevs {
		parts = append(parts, fmt.Sprintf("%s: %d", s, bySeverity[s]))
	}
	b.WriteString(" By severity: " + strings.Join(parts, ", ") + ".")

	if next := nextDeadline(pending); next != nil {
		fmt.Fprintf(&b, " Next escalation for %s in %s.",
			next.SubjectID, next.EscalationDueAt.Sub(now).Round(time.Second))
	}
	return b.String()
}

// nextDeadline returns the open resolution closest to escalation.
func nextDeadline(pending []model.ConflictResolution) *model.ConflictResolution {
	var next *model.ConflictResolution
	for i := range pending {
		r := &pending[i]
		if !r.Status.Open() || r.EscalationDueAt == nil {
			continue
		}
		if next == nil || r.EscalationDueAt.Before(*next.EscalationDueAt) {
			next = r
		}
	}
	return next
}

// sortByUrgency orders escalated first, then by severity, then oldest first.
func sortByUrgency(list []model.ConflictResolution) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		ae, be := a.Status == model.StatusEscalated, b.Status == model.StatusEscalated
		if ae != be {
			return ae
		}
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
