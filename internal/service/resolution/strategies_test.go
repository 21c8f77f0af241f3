package resolution_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slotwarden/slotwarden/internal/calendar"
	"github.com/slotwarden/slotwarden/internal/model"
	"github.com/slotwarden/slotwarden/internal/service/resolution"
	"github.com/slotwarden/slotwarden/internal/storage/lite"
	"github.com/slotwarden/slotwarden/internal/testutil"
)

func newStrategies(t *testing.T) (*resolution.Strategies, *lite.Store, *calendar.Memory) {
	t.Helper()
	ctx := context.Background()
	s, err := lite.Open(ctx, ":memory:", testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(ctx) })
	outlook := calendar.NewMemory("outlook")
	reg := calendar.NewRegistry(time.Second, testutil.TestLogger(), outlook)
	st := resolution.NewStrategies(false, testutil.TestLogger())
	resolution.RegisterBuiltins(st, s, reg)
	return st, s, outlook
}

func TestBuiltinsRegistered(t *testing.T) {
	st, _, _ := newStrategies(t)
	assert.Equal(t, []string{
		model.StrategyAcceptExternal, model.StrategyConvertHold, model.StrategyExtendHold,
		model.StrategyKeepExternal, model.StrategyKeepInternal, model.StrategyManualReview,
		model.StrategyRejectExternal, model.StrategyReleaseHold, model.StrategyReschedule,
	}, st.Names())
}

func TestOverrideStrategies(t *testing.T) {
	st, s, outlook := newStrategies(t)
	ctx := context.Background()
	appt, err := s.CreateAppointment(ctx, model.Appointment{SubjectID: "dr-o", PatientID: "p", Window: slot})
	require.NoError(t, err)
	moved := slot.Shift(time.Hour)
	outlook.Put(model.ExternalEvent{ID: "o-1", SubjectID: "dr-o", Window: moved, InternalRef: &appt.ID})

	ev, err := model.NewConflictEvent(model.ConflictExternalOverride, "dr-o", slot, []string{"internal", "outlook"},
		map[string]any{
			"appointment_id":    appt.ID.String(),
			"provider":          "outlook",
			"external_event_id": "o-1",
			"internal_start":    model.FormatTime(slot.Start),
			"internal_end":      model.FormatTime(slot.End),
			"external_start":    model.FormatTime(moved.Start),
			"external_end":      model.FormatTime(moved.End),
		}, now)
	require.NoError(t, err)
	x := resolution.Execution{Resolution: model.ConflictResolution{SubjectID: "dr-o"}, Event: ev, At: now}

	_, err = st.Execute(ctx, model.StrategyRejectExternal, x)
	require.NoError(t, err)
	e, _ := outlook.Event("o-1")
	assert.True(t, e.Window.Equal(slot))

	_, err = st.Execute(ctx, model.StrategyAcceptExternal, x)
	require.NoError(t, err)
	got, err := s.GetAppointment(ctx, appt.ID)
	require.NoError(t, err)
	assert.True(t, got.Window.Equal(moved))
}

func TestHoldStrategies(t *testing.T) {
	st, s, _ := newStrategies(t)
	ctx := context.Background()
	h, err := s.CreateHold(ctx, model.Hold{SubjectID: "dr-h", Window: slot, ExpiresAt: now.Add(-time.Minute)})
	require.NoError(t, err)
	ev, err := model.NewConflictEvent(model.ConflictHold, "dr-h", slot, []string{"internal"},
		map[string]any{"hold_id": h.ID.String(), "hold_expires_at": model.FormatTime(h.ExpiresAt)}, now)
	require.NoError(t, err)
	x := resolution.Execution{Event: ev, At: now}

	_, err = st.Execute(ctx, model.StrategyConvertHold, x)
	assert.Error(t, err, "expired holds are not converted")

	x.Parameters = map[string]any{"minutes": float64(30)}
	msg, err := st.Execute(ctx, model.StrategyExtendHold, x)
	require.NoError(t, err)
	assert.Contains(t, msg, model.FormatTime(h.ExpiresAt.Add(30*time.Minute)))

	_, err = st.Execute(ctx, model.StrategyReleaseHold, x)
	require.NoError(t, err)
	_, err = st.Execute(ctx, model.StrategyReleaseHold, x)
	assert.Error(t, err)
}

func TestWriterlessProviderUnsupported(t *testing.T) {
	st, _, _ := newStrategies(t)
	ev, err := model.NewConflictEvent(model.ConflictDoubleBooking, "dr-w", slot, []string{"internal", "zoom"},
		map[string]any{"provider": "zoom", "external_event_id": "z-1"}, now)
	require.NoError(t, err)
	_, err = st.Execute(context.Background(), model.StrategyKeepInternal, resolution.Execution{Event: ev, At: now})
	assert.ErrorIs(t, err, calendar.ErrUnsupported)
}
