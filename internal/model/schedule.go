package model

import (
	"time"

	"github.com/google/uuid"
)

// AppointmentStatus is the lifecycle state of an internal booking.
type AppointmentStatus string

const (
	AppointmentBooked    AppointmentStatus = "booked"
	AppointmentConfirmed AppointmentStatus = "confirmed"
	AppointmentCancelled AppointmentStatus = "cancelled"
	AppointmentCompleted AppointmentStatus = "completed"
)

// Active reports whether the appointment still occupies its slot.
func (s AppointmentStatus) Active() bool {
	return s == AppointmentBooked || s == AppointmentConfirmed
}

// Appointment is a booking in the internal store.
type Appointment struct {
	ID        uuid.UUID         `json:"id"`
	SubjectID string            `json:"subject_id"`
	PatientID string            `json:"patient_id,omitempty"`
	Window    Window            `json:"window"`
	Status    AppointmentStatus `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// HoldStatus is the lifecycle state of a temporary reservation.
type HoldStatus string

const (
	HoldActive    HoldStatus = "active"
	HoldConfirmed HoldStatus = "confirmed"
	HoldReleased  HoldStatus = "released"
)

// Hold is a time-limited reservation pending confirmation.
type Hold struct {
	ID        uuid.UUID  `json:"id"`
	SubjectID string     `json:"subject_id"`
	PatientID string     `json:"patient_id,omitempty"`
	Window    Window     `json:"window"`
	ExpiresAt time.Time  `json:"expires_at"`
	Status    HoldStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
}

// Expired reports whether the hold lapsed before now.
func (h Hold) Expired(now time.Time) bool {
	return !h.ExpiresAt.After(now)
}

// ScheduleBlock reserves a window so nothing can be booked into it.
type ScheduleBlock struct {
	ID        uuid.UUID `json:"id"`
	SubjectID string    `json:"subject_id"`
	Window    Window    `json:"window"`
	Reason    string    `json:"reason"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// External event statuses as reported by calendar providers.
const (
	ExternalConfirmed = "confirmed"
	ExternalTentative = "tentative"
	ExternalCancelled = "cancelled"
)

// ExternalEvent is an event read from an external calendar.
// InternalRef is set when the event mirrors an internal appointment.
type ExternalEvent struct {
	ID          string     `json:"id"`
	Provider    string     `json:"provider"`
	SubjectID   string     `json:"subject_id"`
	Title       string     `json:"title,omitempty"`
	Window      Window     `json:"window"`
	Status      string     `json:"status"`
	Recurring   bool       `json:"recurring"`
	InternalRef *uuid.UUID `json:"internal_ref,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Cancelled reports whether the provider marked the event cancelled.
func (e ExternalEvent) Cancelled() bool {
	return e.Status == ExternalCancelled
}

// PatientHistory summarizes a patient's attendance record.
type PatientHistory struct {
	PatientID         string    `json:"patient_id"`
	TotalAppointments int       `json:"total_appointments"`
	NoShows           int       `json:"no_shows"`
	Cancellations     int       `json:"cancellations"`
	VIP               bool      `json:"vip"`
	Sentiment         string    `json:"sentiment,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// NoShowRate is no-shows over total appointments.
func (p PatientHistory) NoShowRate() float64 {
	if p.TotalAppointments <= 0 {
		return 0
	}
	return float64(p.NoShows) / float64(p.TotalAppointments)
}

// CancellationRate is cancellations over total appointments.
func (p PatientHistory) CancellationRate() float64 {
	if p.TotalAppointments <= 0 {
		return 0
	}
	return float64(p.Cancellations) / float64(p.TotalAppointments)
}

// SubjectProfile holds a subject's preferences, clinic policy flags and linked calendars.
type SubjectProfile struct {
	SubjectID       string          `json:"subject_id"`
	Name            string          `json:"name"`
	Timezone        string          `json:"timezone"`
	Preferences     map[string]any  `json:"preferences,omitempty"`
	Policies        map[string]bool `json:"policies,omitempty"`
	LinkedCalendars []string        `json:"linked_calendars,omitempty"`
	Tracked         bool            `json:"tracked"`
	CreatedAt       time.Time       `json:"created_at"`
}

// ExternalChange records a notification that an external calendar changed.
type ExternalChange struct {
	ID         uuid.UUID `json:"id"`
	SubjectID  string    `json:"subject_id"`
	Provider   string    `json:"provider"`
	Window     Window    `json:"window"`
	ReceivedAt time.Time `json:"received_at"`
}

// SlotStep is the granularity used when searching for free slots.
const SlotStep = 15 * time.Minute

// FirstFreeSlot returns the earliest window of length d starting at or after
// from, aligned to step, that overlaps none of busy and ends before
// from+horizon.
func FirstFreeSlot(busy []Window, from time.Time, d, step, horizon time.Duration) (Window, bool) {
	if d <= 0 || step <= 0 {
		return Window{}, false
	}
	start := from.Truncate(step)
	if start.Before(from) {
		start = start.Add(step)
	}
	limit := from.Add(horizon)
	for candidate := (Window{Start: start, End: start.Add(d)}); !candidate.End.After(limit); candidate = candidate.Shift(step) {
		free := true
		for _, b := range busy {
			if candidate.Overlaps(b) {
				free = false
				break
			}
		}
		if free {
			return candidate, true
		}
	}
	return Window{}, false
}
