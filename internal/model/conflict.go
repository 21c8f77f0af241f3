package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SourceInternal identifies the internal booking store as a conflict source.
const SourceInternal = "internal"

// ConflictType enumerates the kinds of divergence the detector can report.
type ConflictType string

const (
	ConflictDoubleBooking    ConflictType = "double_booking"
	ConflictHold             ConflictType = "hold_conflict"
	ConflictExternalOverride ConflictType = "external_override"
	ConflictTimeMismatch     ConflictType = "time_mismatch"
	ConflictRecurring        ConflictType = "recurring_conflict"
	ConflictCancellation     ConflictType = "cancellation_conflict"
)

// ConflictTypes lists every conflict type in detection order.
var ConflictTypes = []ConflictType{
	ConflictDoubleBooking,
	ConflictHold,
	ConflictExternalOverride,
	ConflictTimeMismatch,
	ConflictRecurring,
	ConflictCancellation,
}

// Valid reports whether t is a known conflict type.
func (t ConflictType) Valid() bool {
	switch t {
	case ConflictDoubleBooking, ConflictHold, ConflictExternalOverride,
		ConflictTimeMismatch, ConflictRecurring, ConflictCancellation:
		return true
	}
	return false
}

// Severity grades a conflict by how many systems it implicates.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityForSourceCount maps the number of distinct implicated sources to a severity.
// Zero sources is reserved for informational detections.
func SeverityForSourceCount(n int) Severity {
	switch {
	case n <= 0:
		return SeverityLow
	case n == 1:
		return SeverityMedium
	case n == 2:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// Rank orders severities, higher is more severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// Window is a half-open time interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Validate checks that the window is non-empty.
func (w Window) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() {
		return fmt.Errorf("window start and end are required")
	}
	if !w.Start.Before(w.End) {
		return fmt.Errorf("window start must be before end")
	}
	return nil
}

// Overlaps reports whether two half-open windows intersect.
func (w Window) Overlaps(o Window) bool {
	return w.Start.Before(o.End) && o.Start.Before(w.End)
}

// Intersect returns the overlapping part of two windows. Callers check Overlaps first.
func (w Window) Intersect(o Window) Window {
	out := w
	if o.Start.After(out.Start) {
		out.Start = o.Start
	}
	if o.End.Before(out.End) {
		out.End = o.End
	}
	return out
}

// Equal compares windows by instant, ignoring location.
func (w Window) Equal(o Window) bool {
	return w.Start.Equal(o.Start) && w.End.Equal(o.End)
}

// Duration returns the window length.
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Shift returns the window moved by d.
func (w Window) Shift(d time.Duration) Window {
	return Window{Start: w.Start.Add(d), End: w.End.Add(d)}
}

// ConflictEvent is an immutable detection record.
type ConflictEvent struct {
	ID         uuid.UUID      `json:"conflict_id"`
	Type       ConflictType   `json:"conflict_type"`
	Severity   Severity       `json:"severity"`
	SubjectID  string         `json:"subject_id"`
	Window     Window         `json:"window"`
	Sources    []string       `json:"sources"`
	Details    map[string]any `json:"details,omitempty"`
	DedupeKey  string         `json:"dedupe_key"`
	DetectedAt time.Time      `json:"detected_at"`
}

// NewConflictEvent builds a ConflictEvent, normalizing sources into an ordered
// set and deriving severity from its size.
func NewConflictEvent(typ ConflictType, subjectID string, window Window, sources []string, details map[string]any, now time.Time) (ConflictEvent, error) {
	if !typ.Valid() {
		return ConflictEvent{}, fmt.Errorf("unknown conflict type %q", typ)
	}
	if subjectID == "" {
		return ConflictEvent{}, fmt.Errorf("subject_id is required")
	}
	if err := window.Validate(); err != nil {
		return ConflictEvent{}, err
	}
	set := NormalizeSources(sources)
	if typ != ConflictHold && !hasExternalSource(set) {
		return ConflictEvent{}, fmt.Errorf("%s requires at least one source besides %q", typ, SourceInternal)
	}
	if details == nil {
		details = map[string]any{}
	}
	return ConflictEvent{
		ID:         uuid.New(),
		Type:       typ,
		Severity:   SeverityForSourceCount(len(set)),
		SubjectID:  subjectID,
		Window:     Window{Start: window.Start.UTC(), End: window.End.UTC()},
		Sources:    set,
		Details:    details,
		DedupeKey:  DedupeKey(subjectID, window, typ),
		DetectedAt: now.UTC(),
	}, nil
}

// NormalizeSources trims, lowercases and de-duplicates sources preserving first occurrence order.
func NormalizeSources(sources []string) []string {
	seen := make(map[string]bool, len(sources))
	out := make([]string, 0, len(sources))
	for _, s := range sources {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func hasExternalSource(sources []string) bool {
	for _, s := range sources {
		if s != SourceInternal {
			return true
		}
	}
	return false
}

// DedupeKey is the stable identity of a conflict: subject, window and type.
func DedupeKey(subjectID string, window Window, typ ConflictType) string {
	return fmt.Sprintf("%s|%d|%d|%s", subjectID, window.Start.UTC().UnixNano(), window.End.UTC().UnixNano(), typ)
}

// DetailString reads a string detail, returning "" when absent.
func (e ConflictEvent) DetailString(key string) string {
	if v, ok := e.Details[key].(string); ok {
		return v
	}
	return ""
}

// DetailTime reads an RFC 3339 timestamp detail.
func (e ConflictEvent) DetailTime(key string) (time.Time, bool) {
	s := e.DetailString(key)
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// DetailBool reads a boolean detail.
func (e ConflictEvent) DetailBool(key string) bool {
	v, _ := e.Details[key].(bool)
	return v
}

// FormatTime renders timestamps stored in event details.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ConflictContext is the supplementary signal used to score a single conflict.
// It is built per analysis and never persisted.
type ConflictContext struct {
	PatientHistory     *PatientHistory `json:"patient_history,omitempty"`
	SubjectPreferences map[string]any  `json:"subject_preferences,omitempty"`
	Policies           map[string]bool `json:"policies,omitempty"`
	PriorResolutions   int             `json:"prior_resolutions"`
	BusinessImpact     map[string]any  `json:"business_impact,omitempty"`
	Sentiment          string          `json:"sentiment,omitempty"`
	UrgencyScore       float64         `json:"urgency_score"`
}

// IsVIP reports whether the business-impact map flags a VIP.
func (c ConflictContext) IsVIP() bool {
	v, _ := c.BusinessImpact["vip"].(bool)
	return v
}

// PolicySet reports whether a named policy flag is explicitly enabled.
func (c ConflictContext) PolicySet(name string) bool {
	return c.Policies[name]
}
