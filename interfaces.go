package slotwarden

import (
	"context"
)

// CalendarProvider reads availability from one external calendar system.
// When registered via WithCalendarProvider it joins the providers configured
// through SLOTWARDEN_CALENDAR_PROVIDERS; its Name is used as a conflict source.
// A provider that fails or exceeds the calendar timeout is skipped for that
// request.
type CalendarProvider interface {
	Name() string
	CheckAvailability(ctx context.Context, subjectID string, w Window) (Availability, error)
}

// CalendarWriter is optionally implemented by a CalendarProvider that accepts
// changes pushed back to the external calendar. Strategies that need to
// cancel or move an external event require it.
type CalendarWriter interface {
	CancelEvent(ctx context.Context, subjectID, eventID string) error
	UpdateEvent(ctx context.Context, subjectID, eventID string, w Window) error
}

// StrategyHandler executes one named resolution strategy. It returns a short
// human-readable result that is recorded on the resolution's audit trail.
// A returned error marks the action failed.
type StrategyHandler func(ctx context.Context, req StrategyRequest) (string, error)

// Notifier receives every notification the server publishes. Delivery is
// best effort: a failing Notifier is logged and never blocks the caller.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}
