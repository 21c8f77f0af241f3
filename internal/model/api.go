package model

import (
	"fmt"
	"time"
)

// Field length limits for operator-supplied text.
const (
	MaxNotesLen    = 8 * 1024
	MaxStrategyLen = 100
	MaxSubjectLen  = 255
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	OperatorID string `json:"operator_id"`
	APIKey     string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ResolveRequest is the request body for POST /v1/resolutions/{id}/resolve.
type ResolveRequest struct {
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Notes      string         `json:"notes,omitempty"`
}

// Validate checks required fields and length limits.
func (r ResolveRequest) Validate() error {
	if r.Action == "" {
		return fmt.Errorf("action is required")
	}
	if len(r.Action) > MaxStrategyLen {
		return fmt.Errorf("action exceeds maximum length of %d characters", MaxStrategyLen)
	}
	if len(r.Notes) > MaxNotesLen {
		return fmt.Errorf("notes exceed maximum length of %d bytes", MaxNotesLen)
	}
	return nil
}

// ResolveResponse reports the outcome of a human resolution.
type ResolveResponse struct {
	Success    bool               `json:"success"`
	Resolution ConflictResolution `json:"resolution"`
}

// AssignRequest is the request body for POST /v1/resolutions/{id}/assign.
type AssignRequest struct {
	AssigneeID string `json:"assignee_id"`
}

// OutcomeRequest is the request body for the learning-loop outcome endpoints.
type OutcomeRequest struct {
	ActualOutcome    string   `json:"actual_outcome"`
	ConflictOccurred bool     `json:"conflict_occurred"`
	Satisfaction     *float64 `json:"satisfaction,omitempty"`
}

// Validate checks the satisfaction range.
func (r OutcomeRequest) Validate() error {
	if r.ActualOutcome == "" {
		return fmt.Errorf("actual_outcome is required")
	}
	if r.Satisfaction != nil && (*r.Satisfaction < 0 || *r.Satisfaction > 1) {
		return fmt.Errorf("satisfaction must be between 0 and 1")
	}
	return nil
}

// DetectRequest is the request body for POST /v1/detect.
type DetectRequest struct {
	SubjectID string `json:"subject_id"`
	Window    Window `json:"window"`
}

// ExternalChangeRequest is the request body for POST /v1/external-changes.
type ExternalChangeRequest struct {
	SubjectID string `json:"subject_id"`
	Provider  string `json:"provider"`
	Window    Window `json:"window"`
}

// DetectResponse lists conflicts emitted by a detection pass.
type DetectResponse struct {
	Conflicts []ConflictEvent `json:"conflicts"`
}

// RiskAnalyzeRequest is the request body for POST /v1/risk/analyze.
type RiskAnalyzeRequest struct {
	SubjectID      string          `json:"subject_id"`
	Window         Window          `json:"window"`
	PatientID      string          `json:"patient_id,omitempty"`
	PatientHistory *PatientHistory `json:"patient_history,omitempty"`
}

// PreventRequest is the request body for POST /v1/risks/{id}/prevent.
type PreventRequest struct {
	Strategies []string `json:"strategies,omitempty"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Storage  string `json:"storage"`
	Uptime   int64  `json:"uptime_seconds"`
	Realtime bool   `json:"realtime"`
}

// ValidateSubjectID checks a subject identifier.
func ValidateSubjectID(id string) error {
	if id == "" {
		return fmt.Errorf("subject_id is required")
	}
	if len(id) > MaxSubjectLen {
		return fmt.Errorf("subject_id must be at most %d characters", MaxSubjectLen)
	}
	return nil
}
