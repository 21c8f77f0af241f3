package slotwarden

import (
	"time"

	"github.com/google/uuid"
)

// Window is a half-open time interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// ExternalEvent is an event read from an external calendar.
type ExternalEvent struct {
	ID          string
	SubjectID   string
	Title       string
	Window      Window
	Status      string // "confirmed", "tentative" or "cancelled"
	Recurring   bool
	InternalRef *uuid.UUID
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Availability is a calendar's answer for one subject and window.
type Availability struct {
	Available bool
	Events    []ExternalEvent
}

// StrategyRequest is the input to a custom resolution strategy.
// It is a curated view of the conflict being resolved; no internal types leak.
type StrategyRequest struct {
	ResolutionID uuid.UUID
	ConflictID   uuid.UUID
	ConflictType string
	Severity     string
	SubjectID    string
	Window       Window
	Sources      []string
	// Details carries the detector's evidence, e.g. appointment_id,
	// external_event_id and provider for a double booking.
	Details     map[string]any
	Parameters  map[string]any
	PerformedBy string
	At          time.Time
}

// Notification is one event published to a notification channel.
type Notification struct {
	Channel string // "dashboard", "managers" or "monitoring"
	Type    string
	Payload map[string]any
}
