package model

import (
	"time"

	"github.com/google/uuid"
)

// ResolutionStatus is the state of a ConflictResolution workflow.
type ResolutionStatus string

const (
	StatusPending       ResolutionStatus = "pending"
	StatusManualReview  ResolutionStatus = "manual_review"
	StatusAutoResolved  ResolutionStatus = "auto_resolved"
	StatusHumanResolved ResolutionStatus = "human_resolved"
	StatusEscalated     ResolutionStatus = "escalated"
	StatusFailed        ResolutionStatus = "failed"
)

// ResolutionStatuses lists every status.
var ResolutionStatuses = []ResolutionStatus{
	StatusPending, StatusManualReview, StatusAutoResolved,
	StatusHumanResolved, StatusEscalated, StatusFailed,
}

// Valid reports whether s is a known status.
func (s ResolutionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusManualReview, StatusAutoResolved,
		StatusHumanResolved, StatusEscalated, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition may leave s.
func (s ResolutionStatus) Terminal() bool {
	switch s {
	case StatusAutoResolved, StatusHumanResolved, StatusEscalated, StatusFailed:
		return true
	}
	return false
}

// Resolved reports whether s carries a resolved_at timestamp.
// ESCALATED is terminal but not resolved.
func (s ResolutionStatus) Resolved() bool {
	switch s {
	case StatusAutoResolved, StatusHumanResolved, StatusFailed:
		return true
	}
	return false
}

// Open reports whether the resolution still awaits an outcome.
func (s ResolutionStatus) Open() bool {
	return s == StatusPending || s == StatusManualReview
}

// CanTransition reports whether the state machine permits from -> to.
func CanTransition(from, to ResolutionStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusManualReview || to.Terminal()
	case StatusManualReview:
		return to == StatusHumanResolved || to == StatusEscalated || to == StatusFailed
	}
	return false
}

// InterventionReason explains why a human must resolve a conflict.
type InterventionReason string

const (
	ReasonHighValuePatient       InterventionReason = "high_value_patient"
	ReasonMultiplePriorConflicts InterventionReason = "multiple_prior_conflicts"
	ReasonPolicyViolation        InterventionReason = "policy_violation"
	ReasonUncertainResolution    InterventionReason = "uncertain_resolution"
	ReasonAutomationFailed       InterventionReason = "automation_failed"
)

// Well-known strategy names.
const (
	StrategyKeepInternal   = "keep_internal"
	StrategyKeepExternal   = "keep_external"
	StrategyReschedule     = "reschedule"
	StrategyManualReview   = "manual_review"
	StrategyConvertHold    = "convert_hold"
	StrategyReleaseHold    = "release_hold"
	StrategyExtendHold     = "extend_hold"
	StrategyAcceptExternal = "accept_external"
	StrategyRejectExternal = "reject_external"
	StrategyEscalation     = "escalation"
)

// PerformedBySystem marks actions taken by the engine itself.
const PerformedBySystem = "system"

// ResolutionSuggestion is one ranked candidate strategy for a conflict.
type ResolutionSuggestion struct {
	Strategy      string         `json:"strategy"`
	Description   string         `json:"description"`
	Priority      int            `json:"priority"`
	Automatic     bool           `json:"automatic"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	Effectiveness float64        `json:"effectiveness"`
}

// ResolutionAction is an immutable audit line on a resolution.
type ResolutionAction struct {
	ID           uuid.UUID      `json:"action_id"`
	ResolutionID uuid.UUID      `json:"resolution_id"`
	Seq          int            `json:"seq"`
	ActionType   string         `json:"action_type"`
	Description  string         `json:"description"`
	PerformedBy  string         `json:"performed_by"`
	PerformedAt  time.Time      `json:"performed_at"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Result       *string        `json:"result,omitempty"`
	Success      bool           `json:"success"`
	ContentHash  string         `json:"content_hash,omitempty"`
}

// ConflictResolution is the mutable workflow record for one conflict.
// The engine mutates owned copies and persists them through guarded transitions.
type ConflictResolution struct {
	ID                    uuid.UUID              `json:"resolution_id"`
	ConflictID            uuid.UUID              `json:"conflict_id"`
	SubjectID             string                 `json:"subject_id"`
	ConflictType          ConflictType           `json:"conflict_type"`
	Severity              Severity               `json:"severity"`
	Status                ResolutionStatus       `json:"status"`
	CreatedAt             time.Time              `json:"created_at"`
	UpdatedAt             time.Time              `json:"updated_at"`
	ResolvedAt            *time.Time             `json:"resolved_at,omitempty"`
	StrategyUsed          *string                `json:"strategy_used,omitempty"`
	Actions               []ResolutionAction     `json:"actions_taken"`
	RequiresHuman         bool                   `json:"requires_human"`
	InterventionReason    *InterventionReason    `json:"intervention_reason,omitempty"`
	AssignedTo            *string                `json:"assigned_to,omitempty"`
	HumanNotes            *string                `json:"human_notes,omitempty"`
	ResolutionSuccess     bool                   `json:"resolution_success"`
	ResolutionTimeSeconds *float64               `json:"resolution_time_seconds,omitempty"`
	AutomationScore       float64                `json:"automation_score"`
	Suggestions           []ResolutionSuggestion `json:"suggestions"`
	EscalationDueAt       *time.Time             `json:"escalation_due_at,omitempty"`
}

// TopAutomatic returns the highest-ranked automatic suggestion.
func (r ConflictResolution) TopAutomatic() (ResolutionSuggestion, bool) {
	for _, s := range r.Suggestions {
		if s.Automatic {
			return s, true
		}
	}
	return ResolutionSuggestion{}, false
}

// Suggestion looks up a suggestion by strategy name.
func (r ConflictResolution) Suggestion(strategy string) (ResolutionSuggestion, bool) {
	for _, s := range r.Suggestions {
		if s.Strategy == strategy {
			return s, true
		}
	}
	return ResolutionSuggestion{}, false
}

// Transition is a guarded status change applied atomically with an optional action.
// The store applies it only if the current status is one of From.
type Transition struct {
	ResolutionID       uuid.UUID
	From               []ResolutionStatus
	To                 ResolutionStatus
	At                 time.Time
	RequiresHuman      *bool
	InterventionReason *InterventionReason
	StrategyUsed       *string
	AssignedTo         *string
	HumanNotes         *string
	Success            *bool
	EscalationDueAt    *time.Time
	Action             *ResolutionAction
}

// ResolutionFilter narrows resolution listings.
type ResolutionFilter struct {
	Status        *ResolutionStatus
	SubjectID     *string
	RequiresHuman *bool
	Limit         int
	Offset        int
}

// ResolutionMetrics aggregates resolutions over a trailing window.
type ResolutionMetrics struct {
	Window                   string                   `json:"window"`
	Since                    time.Time                `json:"since"`
	TotalConflicts           int                      `json:"total_conflicts"`
	ByStatus                 map[ResolutionStatus]int `json:"by_status"`
	PendingIntervention      int                      `json:"pending_intervention"`
	AverageResolutionSeconds float64                  `json:"average_resolution_seconds"`
	AutomationRate           float64                  `json:"automation_rate"`
	ByType                   map[ConflictType]int     `json:"by_type"`
	BySeverity               map[Severity]int         `json:"by_severity"`
}

// Outcome is a learning-loop observation about a resolution or risk.
type Outcome struct {
	ID               uuid.UUID `json:"id"`
	TargetID         uuid.UUID `json:"target_id"`
	TargetKind       string    `json:"target_kind"`
	ActualOutcome    string    `json:"actual_outcome"`
	ConflictOccurred bool      `json:"conflict_occurred"`
	Satisfaction     *float64  `json:"satisfaction,omitempty"`
	Strategies       []string  `json:"strategies"`
	RecordedAt       time.Time `json:"recorded_at"`
}

// Outcome target kinds.
const (
	OutcomeTargetResolution = "resolution"
	OutcomeTargetRisk       = "risk"
)
