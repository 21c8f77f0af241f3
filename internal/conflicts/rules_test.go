package conflicts

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slotwarden/slotwarden/internal/calendar"
	"github.com/slotwarden/slotwarden/internal/model"
)

var (
	t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	w0 = model.Window{Start: t0, End: t0.Add(30 * time.Minute)}
)

func snapWith(appts []model.Appointment, holds []model.Hold, events ...model.ExternalEvent) snapshot {
	return snapshot{
		subjectID:    "dr",
		window:       model.Window{Start: t0.Add(-time.Hour), End: t0.Add(time.Hour)},
		appointments: appts,
		holds:        holds,
		external:     []calendar.Availability{{Provider: "google", Events: events}},
	}
}

func TestTimeMismatchVersusOverride(t *testing.T) {
	a := model.Appointment{ID: uuid.New(), Window: w0, Status: model.AppointmentBooked}
	longer := model.ExternalEvent{ID: "e1", Window: model.Window{Start: w0.Start, End: w0.End.Add(15 * time.Minute)}, InternalRef: &a.ID}

	s := snapWith([]model.Appointment{a}, nil, longer)
	mism := detectTimeMismatches(s)
	require.Len(t, mism, 1)
	assert.Equal(t, float64(900), mism[0].details["duration_delta_seconds"])
	assert.Empty(t, detectExternalOverrides(s))

	moved := longer
	moved.Window = w0.Shift(time.Hour)
	s = snapWith([]model.Appointment{a}, nil, moved)
	assert.Empty(t, detectTimeMismatches(s))
	assert.Len(t, detectExternalOverrides(s), 1)
}

func TestCancellationConflictBothSides(t *testing.T) {
	active := model.Appointment{ID: uuid.New(), Window: w0, Status: model.AppointmentConfirmed}
	cancelled := model.Appointment{ID: uuid.New(), Window: w0.Shift(time.Hour), Status: model.AppointmentCancelled}

	s := snapWith([]model.Appointment{active, cancelled}, nil,
		model.ExternalEvent{ID: "e1", Window: active.Window, Status: model.ExternalCancelled, InternalRef: &active.ID},
		model.ExternalEvent{ID: "e2", Window: cancelled.Window, Status: model.ExternalConfirmed, InternalRef: &cancelled.ID},
	)
	got := detectCancellationConflicts(s)
	require.Len(t, got, 2)
	sides := []any{got[0].details["cancelled_side"], got[1].details["cancelled_side"]}
	assert.ElementsMatch(t, []any{"external", "internal"}, sides)
}

func TestRecurringSeriesIsNotADoubleBooking(t *testing.T) {
	a := model.Appointment{ID: uuid.New(), Window: w0, Status: model.AppointmentBooked}
	series := model.ExternalEvent{ID: "weekly", Title: "Team sync", Window: w0, Recurring: true, Status: model.ExternalConfirmed}

	s := snapWith([]model.Appointment{a}, nil, series)
	assert.Empty(t, detectDoubleBooking(s))
	rec := detectRecurringConflicts(s)
	require.Len(t, rec, 1)
	assert.Equal(t, "Team sync", rec[0].details["series_title"])
	assert.Equal(t, []string{"internal", "google"}, rec[0].sources)
}

func TestHoldConflictWithAppointment(t *testing.T) {
	a := model.Appointment{ID: uuid.New(), Window: w0, Status: model.AppointmentBooked}
	h := model.Hold{ID: uuid.New(), Window: w0.Shift(15 * time.Minute), ExpiresAt: t0, Status: model.HoldActive}
	free := model.Hold{ID: uuid.New(), Window: w0.Shift(2 * time.Hour), ExpiresAt: t0, Status: model.HoldActive}

	got := detectHoldConflicts(snapWith([]model.Appointment{a}, []model.Hold{h, free}))
	require.Len(t, got, 1)
	assert.Equal(t, h.ID.String(), got[0].details["hold_id"])
	assert.Equal(t, a.ID.String(), got[0].details["appointment_id"])
	assert.Equal(t, []string{"internal"}, got[0].sources)
}

func TestCancelledAppointmentsAreIgnoredByDoubleBooking(t *testing.T) {
	a := model.Appointment{ID: uuid.New(), Window: w0, Status: model.AppointmentCancelled}
	s := snapWith([]model.Appointment{a}, nil, model.ExternalEvent{ID: "e1", Window: w0, Status: model.ExternalConfirmed})
	assert.Empty(t, detectDoubleBooking(s))
}
