package conflicts

import (
	"sort"

	"github.com/google/uuid"

	"github.com/slotwarden/slotwarden/internal/calendar"
	"github.com/slotwarden/slotwarden/internal/model"
)

// snapshot is the state one detection pass compares.
type snapshot struct {
	subjectID    string
	window       model.Window
	appointments []model.Appointment
	holds        []model.Hold
	external     []calendar.Availability
}

// finding is a divergence found by a rule, before dedupe and event creation.
type finding struct {
	typ     model.ConflictType
	window  model.Window
	sources []string
	details map[string]any
}

// rule inspects a snapshot. Rules are pure and must not depend on map order.
type rule func(s snapshot) []finding

// needsCalendar reports whether a rule cannot say anything without external data.
func needsCalendar(t model.ConflictType) bool {
	return t != model.ConflictHold
}

var rules = map[model.ConflictType]rule{
	model.ConflictDoubleBooking:    detectDoubleBooking,
	model.ConflictHold:             detectHoldConflicts,
	model.ConflictExternalOverride: detectExternalOverrides,
	model.ConflictTimeMismatch:     detectTimeMismatches,
	model.ConflictRecurring:        detectRecurringConflicts,
	model.ConflictCancellation:     detectCancellationConflicts,
}

// reactiveTypes are re-run for a single provider when it reports a change.
var reactiveTypes = []model.ConflictType{
	model.ConflictExternalOverride,
	model.ConflictTimeMismatch,
	model.ConflictCancellation,
	model.ConflictDoubleBooking,
}

type extRef struct {
	provider string
	event    model.ExternalEvent
}

// externalEvents flattens provider answers in provider then start order.
func (s snapshot) externalEvents() []extRef {
	var out []extRef
	for _, a := range s.external {
		for _, e := range a.Events {
			out = append(out, extRef{provider: a.Provider, event: e})
		}
	}
	return out
}

// mirrors returns external events that mirror appointment id.
func (s snapshot) mirrors(id uuid.UUID) []extRef {
	var out []extRef
	for _, r := range s.externalEvents() {
		if r.event.InternalRef != nil && *r.event.InternalRef == id {
			out = append(out, r)
		}
	}
	return out
}

func (s snapshot) appointment(id uuid.UUID) (model.Appointment, bool) {
	for _, a := range s.appointments {
		if a.ID == id {
			return a, true
		}
	}
	return model.Appointment{}, false
}

// detectDoubleBooking reports active appointments overlapped by a one-off
// external event that is not their own mirror. All providers overlapping the
// same appointment are folded into one finding.
func detectDoubleBooking(s snapshot) []finding {
	var out []finding
	for _, a := range s.appointments {
		if !a.Status.Active() {
			continue
		}
		var hits []extRef
		for _, r := range s.externalEvents() {
			e := r.event
			if e.Cancelled() || e.Recurring || !e.Window.Overlaps(a.Window) {
				continue
			}
			if e.InternalRef != nil && *e.InternalRef == a.ID {
				continue
			}
			hits = append(hits, r)
		}
		if len(hits) == 0 {
			continue
		}
		sources := []string{model.SourceInternal}
		earliest := hits[0].event
		events := make([]any, 0, len(hits))
		for _, h := range hits {
			sources = append(sources, h.provider)
			if h.event.CreatedAt.Before(earliest.CreatedAt) {
				earliest = h.event
			}
			events = append(events, map[string]any{"provider": h.provider, "event_id": h.event.ID})
		}
		details := map[string]any{
			"appointment_id":    a.ID.String(),
			"patient_id":        a.PatientID,
			"external_event_id": hits[0].event.ID,
			"provider":          hits[0].provider,
			"external_events":   events,
		}
		if !a.CreatedAt.IsZero() {
			details["internal_booking_time"] = model.FormatTime(a.CreatedAt)
		}
		if !earliest.CreatedAt.IsZero() {
			details["external_booking_time"] = model.FormatTime(earliest.CreatedAt)
		}
		out = append(out, finding{typ: model.ConflictDoubleBooking, window: a.Window, sources: sources, details: details})
	}
	return out
}

// detectHoldConflicts reports active holds that overlap another hold, an
// active appointment or a live external event.
func detectHoldConflicts(s snapshot) []finding {
	var out []finding
	for _, h := range s.holds {
		sources := []string{model.SourceInternal}
		details := map[string]any{
			"hold_id":         h.ID.String(),
			"patient_id":      h.PatientID,
			"hold_expires_at": model.FormatTime(h.ExpiresAt),
		}
		found := false
		for _, other := range s.holds {
			if other.ID != h.ID && other.Window.Overlaps(h.Window) {
				details["other_hold_id"] = other.ID.String()
				found = true
				break
			}
		}
		for _, a := range s.appointments {
			if a.Status.Active() && a.Window.Overlaps(h.Window) {
				details["appointment_id"] = a.ID.String()
				found = true
				break
			}
		}
		for _, r := range s.externalEvents() {
			if !r.event.Cancelled() && r.event.Window.Overlaps(h.Window) {
				sources = append(sources, r.provider)
				if _, ok := details["external_event_id"]; !ok {
					details["external_event_id"] = r.event.ID
					details["provider"] = r.provider
				}
				found = true
			}
		}
		if !found {
			continue
		}
		out = append(out, finding{typ: model.ConflictHold, window: h.Window, sources: sources, details: details})
	}
	return out
}

// detectExternalOverrides reports mirrored events whose start was moved on
// the external side.
func detectExternalOverrides(s snapshot) []finding {
	var out []finding
	for _, a := range s.appointments {
		if !a.Status.Active() {
			continue
		}
		for _, r := range s.mirrors(a.ID) {
			e := r.event
			if e.Cancelled() || e.Window.Start.Equal(a.Window.Start) {
				continue
			}
			out = append(out, finding{
				typ:     model.ConflictExternalOverride,
				window:  a.Window,
				sources: []string{model.SourceInternal, r.provider},
				details: mirrorDetails(a, r),
			})
		}
	}
	return out
}

// detectTimeMismatches reports mirrored events that start on time but end at
// a different instant.
func detectTimeMismatches(s snapshot) []finding {
	var out []finding
	for _, a := range s.appointments {
		if !a.Status.Active() {
			continue
		}
		for _, r := range s.mirrors(a.ID) {
			e := r.event
			if e.Cancelled() || !e.Window.Start.Equal(a.Window.Start) || e.Window.End.Equal(a.Window.End) {
				continue
			}
			d := mirrorDetails(a, r)
			d["duration_delta_seconds"] = e.Window.Duration().Seconds() - a.Window.Duration().Seconds()
			out = append(out, finding{
				typ:     model.ConflictTimeMismatch,
				window:  a.Window,
				sources: []string{model.SourceInternal, r.provider},
				details: d,
			})
		}
	}
	return out
}

// detectRecurringConflicts reports recurring external series that collide
// with an active appointment.
func detectRecurringConflicts(s snapshot) []finding {
	var out []finding
	for _, a := range s.appointments {
		if !a.Status.Active() {
			continue
		}
		var sources []string
		var first *extRef
		for _, r := range s.externalEvents() {
			e := r.event
			if !e.Recurring || e.Cancelled() || !e.Window.Overlaps(a.Window) {
				continue
			}
			if e.InternalRef != nil && *e.InternalRef == a.ID {
				continue
			}
			if first == nil {
				r := r
				first = &r
			}
			sources = append(sources, r.provider)
		}
		if first == nil {
			continue
		}
		out = append(out, finding{
			typ:     model.ConflictRecurring,
			window:  a.Window,
			sources: append([]string{model.SourceInternal}, sources...),
			details: map[string]any{
				"appointment_id":    a.ID.String(),
				"patient_id":        a.PatientID,
				"external_event_id": first.event.ID,
				"provider":          first.provider,
				"series_title":      first.event.Title,
			},
		})
	}
	return out
}

// detectCancellationConflicts reports pairs where one side was cancelled and
// the other still holds the slot.
func detectCancellationConflicts(s snapshot) []finding {
	var out []finding
	refs := s.externalEvents()
	sort.SliceStable(refs, func(i, j int) bool { return refs[i].provider < refs[j].provider })
	for _, r := range refs {
		e := r.event
		if e.InternalRef == nil {
			continue
		}
		a, ok := s.appointment(*e.InternalRef)
		if !ok {
			continue
		}
		var side string
		switch {
		case e.Cancelled() && a.Status.Active():
			side = "external"
		case !e.Cancelled() && a.Status == model.AppointmentCancelled:
			side = "internal"
		default:
			continue
		}
		d := mirrorDetails(a, r)
		d["cancelled_side"] = side
		out = append(out, finding{
			typ:     model.ConflictCancellation,
			window:  a.Window,
			sources: []string{model.SourceInternal, r.provider},
			details: d,
		})
	}
	return out
}

func mirrorDetails(a model.Appointment, r extRef) map[string]any {
	return map[string]any{
		"appointment_id":    a.ID.String(),
		"patient_id":        a.PatientID,
		"external_event_id": r.event.ID,
		"provider":          r.provider,
		"internal_start":    model.FormatTime(a.Window.Start),
		"internal_end":      model.FormatTime(a.Window.End),
		"external_start":    model.FormatTime(r.event.Window.Start),
		"external_end":      model.FormatTime(r.event.Window.End),
		"external_status":   r.event.Status,
	}
}
