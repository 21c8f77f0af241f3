package storage_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slotwarden/slotwarden/internal/model"
	"github.com/slotwarden/slotwarden/internal/storage"
	"github.com/slotwarden/slotwarden/migrations"
	"github.com/slotwarden/slotwarden/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

var baseTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newEvent(t *testing.T, subject string) model.ConflictEvent {
	t.Helper()
	ev, err := model.NewConflictEvent(model.ConflictDoubleBooking, subject,
		model.Window{Start: baseTime, End: baseTime.Add(30 * time.Minute)},
		[]string{model.SourceInternal, "google"},
		map[string]any{"appointment_id": uuid.NewString(), "external_event_id": "evt-1"},
		baseTime)
	require.NoError(t, err)
	return ev
}

func newPending(ev model.ConflictEvent, requiresHuman bool) model.ConflictResolution {
	return model.ConflictResolution{
		ID:              uuid.New(),
		SubjectID:       ev.SubjectID,
		ConflictType:    ev.Type,
		Severity:        ev.Severity,
		Status:          model.StatusPending,
		CreatedAt:       ev.DetectedAt,
		UpdatedAt:       ev.DetectedAt,
		RequiresHuman:   requiresHuman,
		AutomationScore: 0.8,
		Suggestions: []model.ResolutionSuggestion{
			{Strategy: model.StrategyKeepInternal, Priority: 1, Automatic: true, Effectiveness: 0.5},
		},
	}
}

func createResolution(t *testing.T, subject string, requiresHuman bool) model.ConflictResolution {
	t.Helper()
	ev := newEvent(t, subject)
	res, err := testDB.CreateResolution(context.Background(), ev, newPending(ev, requiresHuman))
	require.NoError(t, err)
	return res
}

func action(resID uuid.UUID, typ, by string, success bool) *model.ResolutionAction {
	return &model.ResolutionAction{
		ID:           uuid.New(),
		ResolutionID: resID,
		ActionType:   typ,
		Description:  typ,
		PerformedBy:  by,
		PerformedAt:  baseTime.Add(time.Minute),
		Parameters:   map[string]any{"k": "v"},
		Success:      success,
	}
}

func TestCreateAndGetResolution(t *testing.T) {
	ctx := context.Background()
	res := createResolution(t, "dr-create", false)

	got, err := testDB.GetResolution(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Nil(t, got.ResolvedAt)
	assert.Empty(t, got.Actions)
	require.Len(t, got.Suggestions, 1)
	assert.Equal(t, model.StrategyKeepInternal, got.Suggestions[0].Strategy)

	ev, err := testDB.GetConflictEvent(ctx, got.ConflictID)
	require.NoError(t, err)
	assert.Equal(t, model.SeverityHigh, ev.Severity)
	assert.Equal(t, "evt-1", ev.DetailString("external_event_id"))
}

func TestCreateResolutionTwiceForSameEvent(t *testing.T) {
	ctx := context.Background()
	ev := newEvent(t, "dr-dup")
	_, err := testDB.CreateResolution(ctx, ev, newPending(ev, false))
	require.NoError(t, err)

	_, err = testDB.CreateResolution(ctx, ev, newPending(ev, false))
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestGetResolutionNotFound(t *testing.T) {
	_, err := testDB.GetResolution(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTransitionToAutoResolvedStampsResolvedAt(t *testing.T) {
	ctx := context.Background()
	res := createResolution(t, "dr-auto", false)

	strategy := model.StrategyKeepInternal
	success := true
	at := res.CreatedAt.Add(90 * time.Second)
	applied, err := testDB.Transition(ctx, model.Transition{
		ResolutionID: res.ID,
		From:         []model.ResolutionStatus{model.StatusPending},
		To:           model.StatusAutoResolved,
		At:           at,
		StrategyUsed: &strategy,
		Success:      &success,
		Action:       action(res.ID, strategy, model.PerformedBySystem, true),
	})
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := testDB.GetResolution(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAutoResolved, got.Status)
	require.NotNil(t, got.ResolvedAt)
	assert.True(t, got.ResolvedAt.Equal(at))
	require.NotNil(t, got.ResolutionTimeSeconds)
	assert.InDelta(t, 90.0, *got.ResolutionTimeSeconds, 0.001)
	require.Len(t, got.Actions, 1)
	assert.Equal(t, 1, got.Actions[0].Seq)
	assert.True(t, got.ResolutionSuccess)
}

func TestTransitionGuardRejectsTerminal(t *testing.T) {
	ctx := context.Background()
	res := createResolution(t, "dr-guard", true)

	notes := "handled by phone"
	applied, err := testDB.Transition(ctx, model.Transition{
		ResolutionID: res.ID,
		From:         []model.ResolutionStatus{model.StatusPending, model.StatusManualReview},
		To:           model.StatusHumanResolved,
		At:           baseTime.Add(time.Minute),
		HumanNotes:   &notes,
		Action:       action(res.ID, model.StrategyReschedule, "op-1", true),
	})
	require.NoError(t, err)
	require.True(t, applied)

	// An escalation racing behind the human resolution must lose and write nothing.
	applied, err = testDB.Transition(ctx, model.Transition{
		ResolutionID: res.ID,
		From:         []model.ResolutionStatus{model.StatusPending, model.StatusManualReview},
		To:           model.StatusEscalated,
		At:           baseTime.Add(5 * time.Minute),
		Action:       action(res.ID, model.StrategyEscalation, model.PerformedBySystem, true),
	})
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := testDB.GetResolution(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusHumanResolved, got.Status)
	assert.Len(t, got.Actions, 1, "losing transition must not append its action")
	require.NotNil(t, got.HumanNotes)
	assert.Equal(t, notes, *got.HumanNotes)
}

func TestEscalatedHasNoResolvedAt(t *testing.T) {
	ctx := context.Background()
	res := createResolution(t, "dr-esc", true)

	applied, err := testDB.Transition(ctx, model.Transition{
		ResolutionID: res.ID,
		From:         []model.ResolutionStatus{model.StatusPending, model.StatusManualReview},
		To:           model.StatusEscalated,
		At:           baseTime.Add(5 * time.Minute),
		Action:       action(res.ID, model.StrategyEscalation, model.PerformedBySystem, true),
	})
	require.NoError(t, err)
	require.True(t, applied)

	got, err := testDB.GetResolution(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusEscalated, got.Status)
	assert.Nil(t, got.ResolvedAt)

	// Late human actions are still recorded.
	_, err = testDB.AppendAction(ctx, *action(res.ID, model.StrategyReschedule, "op-2", true))
	require.NoError(t, err)
	got, err = testDB.GetResolution(ctx, res.ID)
	require.NoError(t, err)
	require.Len(t, got.Actions, 2)
	assert.Equal(t, []int{1, 2}, []int{got.Actions[0].Seq, got.Actions[1].Seq})
}

func TestConcurrentAppendsGetDistinctSeq(t *testing.T) {
	ctx := context.Background()
	res := createResolution(t, "dr-concurrent", true)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := testDB.AppendAction(ctx, *action(res.ID, fmt.Sprintf("note_%d", i), "op", true))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := testDB.GetResolution(ctx, res.ID)
	require.NoError(t, err)
	require.Len(t, got.Actions, 8)
	for i, a := range got.Actions {
		assert.Equal(t, i+1, a.Seq)
	}
}

func TestAssignResolution(t *testing.T) {
	ctx := context.Background()
	res := createResolution(t, "dr-assign", true)

	ok, err := testDB.AssignResolution(ctx, res.ID, "op-7", baseTime.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = testDB.AssignResolution(ctx, uuid.New(), "op-7", baseTime)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	failed := false
	_, err = testDB.Transition(ctx, model.Transition{
		ResolutionID: res.ID,
		From:         []model.ResolutionStatus{model.StatusPending},
		To:           model.StatusFailed,
		At:           baseTime.Add(2 * time.Minute),
		Success:      &failed,
	})
	require.NoError(t, err)

	ok, err = testDB.AssignResolution(ctx, res.ID, "op-8", baseTime.Add(3*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "resolved resolutions cannot be reassigned")
}

func TestConflictActiveAndListings(t *testing.T) {
	ctx := context.Background()
	res := createResolution(t, "dr-active", true)
	ev, err := testDB.GetConflictEvent(ctx, res.ConflictID)
	require.NoError(t, err)

	active, err := testDB.ConflictActive(ctx, ev.DedupeKey)
	require.NoError(t, err)
	assert.True(t, active)

	subject := "dr-active"
	list, err := testDB.ListResolutions(ctx, model.ResolutionFilter{SubjectID: &subject})
	require.NoError(t, err)
	require.Len(t, list, 1)

	open, err := testDB.ListOpenResolutions(ctx)
	require.NoError(t, err)
	found := false
	for _, r := range open {
		found = found || r.ID == res.ID
	}
	assert.True(t, found)

	n, err := testDB.CountPriorResolutions(ctx, subject, model.ConflictDoubleBooking, baseTime.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	inactive, err := testDB.ConflictActive(ctx, "no-such-key")
	require.NoError(t, err)
	assert.False(t, inactive)
}

func TestAdjustStrategyEffectivenessClamps(t *testing.T) {
	ctx := context.Background()
	at := baseTime

	score, err := testDB.AdjustStrategyEffectiveness(ctx, "test_strategy_up", 1.05, 0.1, 1.0, at)
	require.NoError(t, err)
	assert.InDelta(t, 0.525, score, 1e-9)

	for range 40 {
		score, err = testDB.AdjustStrategyEffectiveness(ctx, "test_strategy_up", 1.05, 0.1, 1.0, at)
		require.NoError(t, err)
	}
	assert.InDelta(t, 1.0, score, 1e-9)

	for range 100 {
		score, err = testDB.AdjustStrategyEffectiveness(ctx, "test_strategy_up", 0.95, 0.1, 1.0, at)
		require.NoError(t, err)
	}
	assert.InDelta(t, 0.1, score, 1e-9)

	all, err := testDB.StrategyEffectiveness(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, all["test_strategy_up"], 1e-9)
}

func TestScheduleHoldLifecycle(t *testing.T) {
	ctx := context.Background()
	subject := "dr-holds"
	w := model.Window{Start: baseTime, End: baseTime.Add(30 * time.Minute)}

	h, err := testDB.CreateHold(ctx, model.Hold{SubjectID: subject, PatientID: "p-1", Window: w, ExpiresAt: baseTime})
	require.NoError(t, err)

	holds, err := testDB.ListHolds(ctx, subject, w)
	require.NoError(t, err)
	require.Len(t, holds, 1)

	ext, err := testDB.ExtendHold(ctx, h.ID, 15*time.Minute)
	require.NoError(t, err)
	assert.True(t, ext.ExpiresAt.Equal(baseTime.Add(15*time.Minute)))

	appt, err := testDB.ConfirmHold(ctx, h.ID, baseTime)
	require.NoError(t, err)
	assert.Equal(t, "p-1", appt.PatientID)

	holds, err = testDB.ListHolds(ctx, subject, w)
	require.NoError(t, err)
	assert.Empty(t, holds)

	err = testDB.ReleaseHold(ctx, h.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound, "confirmed hold is no longer active")

	n, err := testDB.CountAppointments(ctx, subject, w)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNextAvailableSlotSkipsBusy(t *testing.T) {
	ctx := context.Background()
	subject := "dr-slots"
	_, err := testDB.CreateAppointment(ctx, model.Appointment{
		SubjectID: subject, Window: model.Window{Start: baseTime, End: baseTime.Add(time.Hour)},
	})
	require.NoError(t, err)
	_, err = testDB.BlockSlot(ctx, model.ScheduleBlock{
		SubjectID: subject, Window: model.Window{Start: baseTime.Add(time.Hour), End: baseTime.Add(90 * time.Minute)},
		Reason: "risk", CreatedBy: model.PerformedBySystem,
	})
	require.NoError(t, err)

	slot, err := testDB.NextAvailableSlot(ctx, subject, baseTime, 30*time.Minute, 24*time.Hour)
	require.NoError(t, err)
	assert.True(t, slot.Start.Equal(baseTime.Add(90*time.Minute)), "got %s", slot.Start)
}

func TestRiskEarlyWarningLatch(t *testing.T) {
	ctx := context.Background()
	w := model.Window{Start: baseTime.Add(24 * time.Hour), End: baseTime.Add(25 * time.Hour)}
	r, err := testDB.CreateRisk(ctx, model.ConflictRisk{
		SubjectID:       "dr-risk",
		Level:           model.RiskMedium,
		PredictedWindow: w,
		PredictedType:   model.ConflictDoubleBooking,
		Probability:     0.62,
		ContributingFactors: []model.RiskFactor{
			{Name: "time_slot", Value: 0.7, Weight: 0.25},
		},
		PreventionStrategies: []string{model.PreventAddBuffer, model.PreventEarlyWarning},
		Source:               model.RiskSourceMonitor,
	})
	require.NoError(t, err)

	first, err := testDB.MarkEarlyWarningSent(ctx, r.ID, baseTime)
	require.NoError(t, err)
	second, err := testDB.MarkEarlyWarningSent(ctx, r.ID, baseTime)
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second)

	found, err := testDB.FindRisk(ctx, "dr-risk", w)
	require.NoError(t, err)
	assert.Equal(t, r.ID, found.ID)
	assert.True(t, found.EarlyWarningSent)
	require.Len(t, found.ContributingFactors, 1)

	require.NoError(t, testDB.MarkPrevented(ctx, r.ID, baseTime))
	got, err := testDB.GetRisk(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, got.Prevented)
	assert.Empty(t, got.AttemptedStrategies)

	require.NoError(t, testDB.RecordPreventionAttempts(ctx, r.ID, []string{"add_buffer", "early_warning"}, baseTime))
	require.NoError(t, testDB.RecordPreventionAttempts(ctx, r.ID, []string{"early_warning", "monitor"}, baseTime))
	got, err = testDB.GetRisk(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"add_buffer", "early_warning", "monitor"}, got.AttemptedStrategies)
	assert.ErrorIs(t, testDB.RecordPreventionAttempts(ctx, uuid.New(), []string{"monitor"}, baseTime), storage.ErrNotFound)
}

func TestOperators(t *testing.T) {
	ctx := context.Background()
	hash := "argon2id$..."
	op, err := testDB.CreateOperator(ctx, model.Operator{OperatorID: "ops-lead", Role: model.RoleManager, APIKeyHash: &hash})
	require.NoError(t, err)

	got, err := testDB.GetOperator(ctx, "ops-lead")
	require.NoError(t, err)
	assert.Equal(t, op.ID, got.ID)
	assert.Equal(t, model.RoleManager, got.Role)

	_, err = testDB.CreateOperator(ctx, model.Operator{OperatorID: "ops-lead", Role: model.RoleViewer})
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestNotifyRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, testDB.Listen(ctx, storage.ChannelDashboard))
	require.NoError(t, testDB.Notify(ctx, storage.ChannelDashboard, `{"type":"resolution_completed"}`))

	channel, payload, err := testDB.WaitForNotification(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.ChannelDashboard, channel)
	assert.JSONEq(t, `{"type":"resolution_completed"}`, payload)
}

func TestRunMigrationsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, testDB.RunMigrations(ctx, migrations.FS))

	// The added column is present after a re-run.
	r, err := testDB.CreateRisk(ctx, model.ConflictRisk{
		SubjectID: "dr-mig", Level: model.RiskLow,
		PredictedWindow: model.Window{Start: baseTime, End: baseTime.Add(time.Hour)},
		PredictedType:   model.ConflictDoubleBooking, Probability: 0.2,
		AttemptedStrategies: []string{"monitor"},
		Source:              model.RiskSourceMonitor,
	})
	require.NoError(t, err)
	got, err := testDB.GetRisk(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"monitor"}, got.AttemptedStrategies)
}
