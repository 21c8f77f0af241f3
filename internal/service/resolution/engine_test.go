package resolution_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slotwarden/slotwarden/internal/calendar"
	"github.com/slotwarden/slotwarden/internal/integrity"
	"github.com/slotwarden/slotwarden/internal/model"
	"github.com/slotwarden/slotwarden/internal/notify"
	"github.com/slotwarden/slotwarden/internal/service/resolution"
	"github.com/slotwarden/slotwarden/internal/storage/lite"
	"github.com/slotwarden/slotwarden/internal/testutil"
)

var (
	now  = time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)
	slot = model.Window{Start: now.Add(2 * time.Hour), End: now.Add(2*time.Hour + 30*time.Minute)}
)

const waitFor = 3 * time.Second

type fixture struct {
	store  *lite.Store
	google *calendar.Memory
	rec    *notify.Recorder
	engine *resolution.Engine

	strategies *resolution.Strategies
}

func newFixture(t *testing.T, opts resolution.Options, permissive bool) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := testutil.TestLogger()
	s, err := lite.Open(ctx, ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(ctx) })

	f := &fixture{store: s, google: calendar.NewMemory("google"), rec: &notify.Recorder{}}
	registry := calendar.NewRegistry(time.Second, logger, f.google)
	strategies := resolution.NewStrategies(permissive, logger)
	resolution.RegisterBuiltins(strategies, s, registry)
	f.strategies = strategies
	if opts.Now == nil {
		opts.Now = func() time.Time { return now }
	}
	f.engine = resolution.New(s, strategies, f.rec, logger, opts)
	t.Cleanup(f.engine.Close)
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.engine.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// doubleBooking books an internal appointment and an overlapping google event
// and returns the conflict between them.
func (f *fixture) doubleBooking(t *testing.T, subject, patient string, internalFirst bool) (model.ConflictEvent, model.Appointment) {
	t.Helper()
	ctx := context.Background()
	internalAt := now.Add(-48 * time.Hour)
	externalAt := now.Add(-24 * time.Hour)
	if !internalFirst {
		externalAt = now.Add(-72 * time.Hour)
	}
	appt, err := f.store.CreateAppointment(ctx, model.Appointment{
		SubjectID: subject, PatientID: patient, Window: slot, CreatedAt: internalAt,
	})
	require.NoError(t, err)
	f.google.Put(model.ExternalEvent{ID: "evt-" + subject, SubjectID: subject, Window: slot, CreatedAt: externalAt})

	ev, err := model.NewConflictEvent(model.ConflictDoubleBooking, subject, slot,
		[]string{model.SourceInternal, "google"}, map[string]any{
			"appointment_id":        appt.ID.String(),
			"patient_id":            patient,
			"external_event_id":     "evt-" + subject,
			"provider":              "google",
			"internal_booking_time": model.FormatTime(internalAt),
			"external_booking_time": model.FormatTime(externalAt),
		}, now)
	require.NoError(t, err)
	return ev, appt
}

func (f *fixture) holdConflict(t *testing.T, subject string, expiresAt time.Time) (model.ConflictEvent, model.Hold) {
	t.Helper()
	h, err := f.store.CreateHold(context.Background(), model.Hold{
		SubjectID: subject, PatientID: "p-hold", Window: slot, ExpiresAt: expiresAt,
	})
	require.NoError(t, err)
	ev, err := model.NewConflictEvent(model.ConflictHold, subject, slot, []string{model.SourceInternal},
		map[string]any{
			"hold_id":         h.ID.String(),
			"patient_id":      "p-hold",
			"hold_expires_at": model.FormatTime(expiresAt),
		}, now)
	require.NoError(t, err)
	return ev, h
}

func (f *fixture) vip(t *testing.T, patient string) {
	t.Helper()
	require.NoError(t, f.store.UpsertPatient(context.Background(), model.PatientHistory{
		PatientID: patient, TotalAppointments: 12, VIP: true,
	}))
}

func (f *fixture) eventually(t *testing.T, id uuid.UUID, want model.ResolutionStatus) model.ConflictResolution {
	t.Helper()
	var got model.ConflictResolution
	require.Eventually(t, func() bool {
		r, err := f.store.GetResolution(context.Background(), id)
		if err != nil {
			return false
		}
		got = r
		return r.Status == want
	}, waitFor, 10*time.Millisecond, "resolution never reached %s", want)
	return got
}

func TestScenarioAutoResolveKeepInternal(t *testing.T) {
	f := newFixture(t, resolution.Options{}, false)
	f.start(t)
	ctx := context.Background()
	ev, _ := f.doubleBooking(t, "dr-a", "p-1", true)

	res, err := f.engine.CreateResolution(ctx, ev, nil)
	require.NoError(t, err)
	assert.False(t, res.RequiresHuman)
	assert.Nil(t, res.InterventionReason)
	assert.InDelta(t, 0.8, res.AutomationScore, 1e-12)
	require.NotEmpty(t, res.Suggestions)
	assert.Equal(t, model.StrategyKeepInternal, res.Suggestions[0].Strategy)
	assert.True(t, res.Suggestions[0].Automatic)

	done := f.eventually(t, res.ID, model.StatusAutoResolved)
	require.NotNil(t, done.StrategyUsed)
	assert.Equal(t, model.StrategyKeepInternal, *done.StrategyUsed)
	assert.True(t, done.ResolutionSuccess)
	require.NotNil(t, done.ResolvedAt)
	require.NotNil(t, done.ResolutionTimeSeconds)
	assert.GreaterOrEqual(t, *done.ResolutionTimeSeconds, 0.0)
	require.Len(t, done.Actions, 1)
	assert.Equal(t, model.PerformedBySystem, done.Actions[0].PerformedBy)

	evt, ok := f.google.Event("evt-dr-a")
	require.True(t, ok)
	assert.True(t, evt.Cancelled())

	assert.Eventually(t, func() bool {
		return f.rec.Count(notify.Dashboard, notify.TypeResolutionCompleted) == 1
	}, waitFor, 10*time.Millisecond)
	assert.Zero(t, f.rec.Count(notify.Dashboard, notify.TypeHumanInterventionRequired))
}

func TestScenarioVIPRequiresHuman(t *testing.T) {
	f := newFixture(t, resolution.Options{}, false)
	f.start(t)
	f.vip(t, "p-vip")
	ev, _ := f.doubleBooking(t, "dr-b", "p-vip", true)

	res, err := f.engine.CreateResolution(context.Background(), ev, nil)
	require.NoError(t, err)
	assert.True(t, res.RequiresHuman)
	require.NotNil(t, res.InterventionReason)
	assert.Equal(t, model.ReasonHighValuePatient, *res.InterventionReason)
	assert.Less(t, res.AutomationScore, resolution.AutoResolveThreshold)
	assert.Equal(t, model.StrategyManualReview, res.Suggestions[0].Strategy)
	assert.Equal(t, 0, res.Suggestions[0].Priority)
	require.NotNil(t, res.EscalationDueAt)
	assert.Equal(t, now.Add(300*time.Second), *res.EscalationDueAt)

	sent := f.rec.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, notify.Dashboard, sent[0].Channel)
	assert.Equal(t, notify.TypeHumanInterventionRequired, sent[0].Payload.Type())
	assert.Equal(t, res.ID.String(), sent[0].Payload["resolution_id"])
	assert.NotNil(t, sent[0].Payload["timestamp"])
	assert.Len(t, sent[0].Payload["suggestions"], len(res.Suggestions))

	assert.Eventually(t, func() bool { return f.engine.Waiting() == 1 }, waitFor, 10*time.Millisecond)
	got, err := f.store.GetResolution(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Empty(t, got.Actions)
}

func TestScenarioHoldConvertsAutomatically(t *testing.T) {
	f := newFixture(t, resolution.Options{}, false)
	f.start(t)
	ctx := context.Background()
	ev, h := f.holdConflict(t, "dr-c", now.Add(10*time.Minute))

	res, err := f.engine.CreateResolution(ctx, ev, nil)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, res.AutomationScore, 1e-12)
	assert.False(t, res.RequiresHuman)

	done := f.eventually(t, res.ID, model.StatusAutoResolved)
	require.NotNil(t, done.StrategyUsed)
	assert.Equal(t, model.StrategyConvertHold, *done.StrategyUsed)

	n, err := f.store.CountAppointments(ctx, "dr-c", slot)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Error(t, f.store.ReleaseHold(ctx, h.ID), "hold is no longer active")
}

func TestScenarioExpiredHoldReleased(t *testing.T) {
	f := newFixture(t, resolution.Options{}, false)
	f.start(t)
	ctx := context.Background()
	ev, h := f.holdConflict(t, "dr-c2", now.Add(-time.Minute))

	res, err := f.engine.CreateResolution(ctx, ev, nil)
	require.NoError(t, err)
	done := f.eventually(t, res.ID, model.StatusAutoResolved)
	require.NotNil(t, done.StrategyUsed)
	assert.Equal(t, model.StrategyReleaseHold, *done.StrategyUsed)

	holds, err := f.store.ListHolds(ctx, "dr-c2", slot)
	require.NoError(t, err)
	for _, x := range holds {
		assert.NotEqual(t, h.ID, x.ID)
	}
}

func TestScenarioEscalationAfterTimeout(t *testing.T) {
	f := newFixture(t, resolution.Options{EscalationTimeout: 80 * time.Millisecond, PollInterval: 20 * time.Millisecond}, false)
	f.start(t)
	f.vip(t, "p-vip")
	ev, _ := f.doubleBooking(t, "dr-d", "p-vip", true)

	res, err := f.engine.CreateResolution(context.Background(), ev, nil)
	require.NoError(t, err)

	esc := f.eventually(t, res.ID, model.StatusEscalated)
	assert.Nil(t, esc.ResolvedAt, "escalated is terminal but not resolved")
	require.Len(t, esc.Actions, 1)
	assert.Equal(t, model.StrategyEscalation, esc.Actions[0].ActionType)
	assert.Equal(t, model.PerformedBySystem, esc.Actions[0].PerformedBy)

	// Give a second escalation a chance to fire before counting.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, f.rec.Count(notify.Managers, notify.TypeConflictEscalated))
	for _, s := range f.rec.Sent() {
		if s.Channel == notify.Managers {
			assert.Equal(t, true, s.Payload["requires_immediate_action"])
			assert.Equal(t, res.ID.String(), s.Payload["resolution_id"])
		}
	}
	assert.Zero(t, f.engine.Waiting())

	again, err := f.engine.Escalate(context.Background(), res.ID)
	require.NoError(t, err)
	assert.False(t, again)
}

func TestHumanResolutionRoundTrip(t *testing.T) {
	f := newFixture(t, resolution.Options{}, false)
	f.start(t)
	ctx := context.Background()
	f.vip(t, "p-vip")
	ev, appt := f.doubleBooking(t, "dr-rt", "p-vip", true)

	res, err := f.engine.CreateResolution(ctx, ev, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.engine.Waiting() == 1 }, waitFor, 10*time.Millisecond)

	out, ok, err := f.engine.HandleHumanResolution(ctx, res.ID, "op-7", model.StrategyReschedule, nil, "called the patient")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, model.StatusHumanResolved, out.Status)
	require.NotNil(t, out.AssignedTo)
	assert.Equal(t, "op-7", *out.AssignedTo)
	require.NotNil(t, out.ResolutionTimeSeconds)
	assert.GreaterOrEqual(t, *out.ResolutionTimeSeconds, 0.0)
	require.NotNil(t, out.HumanNotes)
	assert.Equal(t, "called the patient", *out.HumanNotes)
	require.Len(t, out.Actions, 1)
	assert.Equal(t, "op-7", out.Actions[0].PerformedBy)

	a := out.Actions[0]
	assert.True(t, integrity.VerifyContentHash(a.ContentHash, integrity.ActionFields{
		ID: a.ID, ResolutionID: a.ResolutionID, ActionType: a.ActionType, Description: a.Description,
		PerformedBy: a.PerformedBy, PerformedAt: a.PerformedAt, Parameters: a.Parameters,
		Result: a.Result, Success: a.Success,
	}))

	moved, err := f.store.GetAppointment(ctx, appt.ID)
	require.NoError(t, err)
	assert.False(t, moved.Window.Overlaps(slot))

	assert.Eventually(t, func() bool { return f.engine.Waiting() == 0 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, 1, f.rec.Count(notify.Dashboard, notify.TypeResolutionCompleted))

	_, _, err = f.engine.HandleHumanResolution(ctx, res.ID, "op-8", model.StrategyManualReview, nil, "")
	assert.ErrorIs(t, err, resolution.ErrResolutionClosed)
}

func TestHumanResolutionBeatsEscalation(t *testing.T) {
	f := newFixture(t, resolution.Options{EscalationTimeout: 200 * time.Millisecond, PollInterval: 20 * time.Millisecond}, false)
	f.start(t)
	ctx := context.Background()
	f.vip(t, "p-vip")
	ev, _ := f.doubleBooking(t, "dr-race", "p-vip", true)

	res, err := f.engine.CreateResolution(ctx, ev, nil)
	require.NoError(t, err)
	_, ok, err := f.engine.HandleHumanResolution(ctx, res.ID, "op-1", model.StrategyManualReview, nil, "")
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(400 * time.Millisecond)
	got, err := f.store.GetResolution(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusHumanResolved, got.Status)
	assert.Zero(t, f.rec.Count(notify.Managers, notify.TypeConflictEscalated))
	for _, a := range got.Actions {
		assert.NotEqual(t, model.StrategyEscalation, a.ActionType)
	}

	escalated, err := f.engine.Escalate(ctx, res.ID)
	require.NoError(t, err)
	assert.False(t, escalated)
}

func TestLateHumanActionOnEscalated(t *testing.T) {
	f := newFixture(t, resolution.Options{EscalationTimeout: 50 * time.Millisecond, PollInterval: 10 * time.Millisecond}, false)
	f.start(t)
	ctx := context.Background()
	f.vip(t, "p-vip")
	ev, _ := f.doubleBooking(t, "dr-late", "p-vip", true)

	res, err := f.engine.CreateResolution(ctx, ev, nil)
	require.NoError(t, err)
	f.eventually(t, res.ID, model.StatusEscalated)

	out, ok, err := f.engine.HandleHumanResolution(ctx, res.ID, "mgr-1", model.StrategyManualReview, nil, "late")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, model.StatusEscalated, out.Status, "escalation is not re-opened")
	require.Len(t, out.Actions, 2)
	assert.Equal(t, model.StrategyEscalation, out.Actions[0].ActionType)
	assert.Equal(t, "mgr-1", out.Actions[1].PerformedBy)
	assert.Equal(t, 2, out.Actions[1].Seq)
}

func TestAutomationFailureDowngrades(t *testing.T) {
	f := newFixture(t, resolution.Options{EscalationTimeout: 100 * time.Millisecond, PollInterval: 20 * time.Millisecond}, false)
	f.start(t)
	ctx := context.Background()
	ev, _ := f.doubleBooking(t, "dr-fail", "p-1", true)
	f.google.FailWith(errors.New("google: 503"))

	res, err := f.engine.CreateResolution(ctx, ev, nil)
	require.NoError(t, err)
	assert.False(t, res.RequiresHuman)

	review := f.eventually(t, res.ID, model.StatusManualReview)
	assert.True(t, review.RequiresHuman)
	require.NotNil(t, review.InterventionReason)
	assert.Equal(t, model.ReasonAutomationFailed, *review.InterventionReason)
	require.Len(t, review.Actions, 1)
	assert.False(t, review.Actions[0].Success)
	require.NotNil(t, review.Actions[0].Result)
	assert.Contains(t, *review.Actions[0].Result, "503")
	assert.Equal(t, 1, f.rec.Count(notify.Dashboard, notify.TypeHumanInterventionRequired))

	f.eventually(t, res.ID, model.StatusEscalated)
}

func TestUnknownStrategyFails(t *testing.T) {
	f := newFixture(t, resolution.Options{}, false)
	ctx := context.Background()
	f.vip(t, "p-vip")
	ev, _ := f.doubleBooking(t, "dr-u", "p-vip", true)
	res, err := f.engine.CreateResolution(ctx, ev, nil)
	require.NoError(t, err)

	out, ok, err := f.engine.HandleHumanResolution(ctx, res.ID, "op-1", "teleport", map[string]any{"to": "mars"}, "")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, model.StatusFailed, out.Status)
	assert.NotNil(t, out.ResolvedAt)
	require.Len(t, out.Actions, 1)
	assert.False(t, out.Actions[0].Success)
	assert.Contains(t, *out.Actions[0].Result, resolution.ErrUnknownStrategy.Error())
}

func TestPermissiveUnknownStrategySucceeds(t *testing.T) {
	f := newFixture(t, resolution.Options{}, true)
	ctx := context.Background()
	f.vip(t, "p-vip")
	ev, _ := f.doubleBooking(t, "dr-p", "p-vip", true)
	res, err := f.engine.CreateResolution(ctx, ev, nil)
	require.NoError(t, err)

	out, ok, err := f.engine.HandleHumanResolution(ctx, res.ID, "op-1", "teleport", nil, "")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, model.StatusHumanResolved, out.Status)
}

func TestUnknownResolutionIsNotFound(t *testing.T) {
	f := newFixture(t, resolution.Options{}, false)
	ctx := context.Background()

	_, _, err := f.engine.HandleHumanResolution(ctx, uuid.New(), "op", model.StrategyManualReview, nil, "")
	assert.ErrorIs(t, err, resolution.ErrNotFound)
	_, err = f.engine.AssignResolution(ctx, uuid.New(), "mgr", "admin")
	assert.ErrorIs(t, err, resolution.ErrNotFound)
	_, err = f.engine.Escalate(ctx, uuid.New())
	assert.ErrorIs(t, err, resolution.ErrNotFound)
	_, err = f.engine.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, resolution.ErrNotFound)
}

func TestAssignResolution(t *testing.T) {
	f := newFixture(t, resolution.Options{}, false)
	ctx := context.Background()
	f.vip(t, "p-vip")
	ev, _ := f.doubleBooking(t, "dr-as", "p-vip", true)
	res, err := f.engine.CreateResolution(ctx, ev, nil)
	require.NoError(t, err)

	out, err := f.engine.AssignResolution(ctx, res.ID, "mgr-1", "admin")
	require.NoError(t, err)
	require.NotNil(t, out.AssignedTo)
	assert.Equal(t, "mgr-1", *out.AssignedTo)
	assert.Equal(t, model.StatusPending, out.Status)
	require.Len(t, out.Actions, 1)
	assert.Equal(t, "assign", out.Actions[0].ActionType)

	_, _, err = f.engine.HandleHumanResolution(ctx, res.ID, "mgr-1", model.StrategyManualReview, nil, "")
	require.NoError(t, err)
	_, err = f.engine.AssignResolution(ctx, res.ID, "mgr-2", "admin")
	assert.ErrorIs(t, err, resolution.ErrResolutionClosed)
}

func TestRecoverResumesOpenResolutions(t *testing.T) {
	f := newFixture(t, resolution.Options{EscalationTimeout: time.Hour, PollInterval: 20 * time.Millisecond}, false)
	ctx := context.Background()

	holdEv, _ := f.holdConflict(t, "dr-rec", now.Add(10*time.Minute))
	auto, err := f.store.CreateResolution(ctx, holdEv, model.ConflictResolution{
		SubjectID: holdEv.SubjectID, ConflictType: holdEv.Type, Severity: holdEv.Severity,
		Status: model.StatusPending, CreatedAt: now, UpdatedAt: now, AutomationScore: 1,
		Suggestions: []model.ResolutionSuggestion{{
			Strategy: model.StrategyConvertHold, Priority: 1, Automatic: true,
			Parameters: map[string]any{"hold_id": holdEv.DetailString("hold_id")},
		}},
	})
	require.NoError(t, err)

	overdue := now.Add(-time.Second)
	reason := model.ReasonHighValuePatient
	bookEv, _ := f.doubleBooking(t, "dr-rec2", "p-1", true)
	human, err := f.store.CreateResolution(ctx, bookEv, model.ConflictResolution{
		SubjectID: bookEv.SubjectID, ConflictType: bookEv.Type, Severity: bookEv.Severity,
		Status: model.StatusPending, CreatedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour),
		RequiresHuman: true, InterventionReason: &reason, EscalationDueAt: &overdue,
	})
	require.NoError(t, err)

	f.start(t)
	f.eventually(t, auto.ID, model.StatusAutoResolved)
	f.eventually(t, human.ID, model.StatusEscalated)
}

func TestShutdownLetsAutomaticAttemptFinish(t *testing.T) {
	f := newFixture(t, resolution.Options{}, false)
	started := make(chan struct{})
	proceed := make(chan struct{})
	var sawCancel atomic.Bool
	f.strategies.Register(model.StrategyKeepInternal, func(ctx context.Context, _ resolution.Execution) (string, error) {
		close(started)
		<-proceed
		if err := ctx.Err(); err != nil {
			sawCancel.Store(true)
			return "", err
		}
		return "external event cancelled", nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.engine.Run(ctx)
	}()

	ev, _ := f.doubleBooking(t, "dr-stop", "p-1", true)
	res, err := f.engine.CreateResolution(context.Background(), ev, nil)
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(waitFor):
		t.Fatal("automatic attempt never started")
	}
	cancel()
	close(proceed)
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("engine did not stop")
	}

	assert.False(t, sawCancel.Load(), "strategy saw the shutdown")
	got, err := f.store.GetResolution(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAutoResolved, got.Status)
	require.Len(t, got.Actions, 1)
	assert.True(t, got.Actions[0].Success)
}

func TestLearnFromOutcome(t *testing.T) {
	f := newFixture(t, resolution.Options{}, false)
	f.start(t)
	ctx := context.Background()
	ev, _ := f.doubleBooking(t, "dr-l", "p-1", true)
	res, err := f.engine.CreateResolution(ctx, ev, nil)
	require.NoError(t, err)
	f.eventually(t, res.ID, model.StatusAutoResolved)

	o, err := f.engine.LearnFromOutcome(ctx, res.ID, "patient attended", false, ptr(0.9))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeTargetResolution, o.TargetKind)
	assert.Equal(t, []string{model.StrategyKeepInternal}, o.Strategies)

	risk, err := f.store.CreateRisk(ctx, model.ConflictRisk{
		SubjectID: "dr-l", Level: model.RiskMedium, PredictedWindow: slot,
		PredictedType: model.ConflictDoubleBooking, Probability: 0.6,
		PreventionStrategies: []string{model.PreventAddBuffer, model.PreventEarlyWarning},
		AttemptedStrategies:  []string{model.PreventAddBuffer},
		Source:               model.RiskSourceBookingRequest,
	})
	require.NoError(t, err)
	o, err = f.engine.LearnFromOutcome(ctx, risk.ID, "double booked anyway", true, nil)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeTargetRisk, o.TargetKind)
	assert.Equal(t, []string{model.PreventAddBuffer}, o.Strategies)

	eff, err := f.store.StrategyEffectiveness(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.525, eff[model.StrategyKeepInternal], 1e-9)
	assert.InDelta(t, 0.475, eff[resolution.PreventionKey(model.PreventAddBuffer)], 1e-9)
	assert.NotContains(t, eff, resolution.PreventionKey(model.PreventEarlyWarning), "recommended but never run")
	assert.NotContains(t, eff, model.PreventAddBuffer)

	_, err = f.engine.LearnFromOutcome(ctx, uuid.New(), "?", true, nil)
	assert.ErrorIs(t, err, resolution.ErrNotFound)
}

func TestRiskOutcomeLeavesResolutionRankingAlone(t *testing.T) {
	f := newFixture(t, resolution.Options{}, false)
	f.start(t)
	ctx := context.Background()

	risk, err := f.store.CreateRisk(ctx, model.ConflictRisk{
		SubjectID: "dr-r", Level: model.RiskCritical, PredictedWindow: slot,
		PredictedType: model.ConflictDoubleBooking, Probability: 0.9,
		PreventionStrategies: []string{model.PreventBlockBooking, model.PreventManualReview, model.PreventAutoAdjust},
		Source:               model.RiskSourceBookingRequest,
	})
	require.NoError(t, err)
	o, err := f.engine.LearnFromOutcome(ctx, risk.ID, "double booked anyway", true, nil)
	require.NoError(t, err)
	assert.Empty(t, o.Strategies)

	eff, err := f.store.StrategyEffectiveness(ctx)
	require.NoError(t, err)
	assert.Empty(t, eff)

	f.vip(t, "p-vip")
	ev, _ := f.doubleBooking(t, "dr-r", "p-vip", true)
	res, err := f.engine.CreateResolution(ctx, ev, nil)
	require.NoError(t, err)
	require.NotEmpty(t, res.Suggestions)
	assert.Equal(t, model.StrategyManualReview, res.Suggestions[0].Strategy)
	assert.Equal(t, 0, res.Suggestions[0].Priority)
	assert.InDelta(t, 0.5, res.Suggestions[0].Effectiveness, 1e-9)
}

func TestPolicyReviewIsNeverDemoted(t *testing.T) {
	f := newFixture(t, resolution.Options{}, false)
	f.start(t)
	ctx := context.Background()

	for range 5 {
		_, err := f.store.AdjustStrategyEffectiveness(ctx, model.StrategyManualReview, 0.95, 0.1, 1.0, now)
		require.NoError(t, err)
	}

	f.vip(t, "p-vip")
	ev, _ := f.doubleBooking(t, "dr-s", "p-vip", true)
	res, err := f.engine.CreateResolution(ctx, ev, nil)
	require.NoError(t, err)
	require.NotEmpty(t, res.Suggestions)
	assert.Equal(t, model.StrategyManualReview, res.Suggestions[0].Strategy)
	assert.Equal(t, 0, res.Suggestions[0].Priority)
	assert.Less(t, res.Suggestions[0].Effectiveness, 0.5)
}

func TestMetrics(t *testing.T) {
	f := newFixture(t, resolution.Options{}, false)
	f.start(t)
	ctx := context.Background()

	evA, _ := f.doubleBooking(t, "dr-m1", "p-1", true)
	a, err := f.engine.CreateResolution(ctx, evA, nil)
	require.NoError(t, err)
	f.eventually(t, a.ID, model.StatusAutoResolved)

	f.vip(t, "p-vip")
	evB, _ := f.doubleBooking(t, "dr-m2", "p-vip", true)
	_, err = f.engine.CreateResolution(ctx, evB, nil)
	require.NoError(t, err)

	m, err := f.engine.PublishMetrics(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, m.TotalConflicts)
	assert.Equal(t, 1, m.ByStatus[model.StatusAutoResolved])
	assert.Equal(t, 1, m.ByStatus[model.StatusPending])
	assert.Equal(t, 0, m.ByStatus[model.StatusEscalated])
	assert.Equal(t, 1, m.PendingIntervention)
	assert.InDelta(t, 0.5, m.AutomationRate, 1e-9)
	assert.Equal(t, 2, m.ByType[model.ConflictDoubleBooking])
	assert.Equal(t, 2, m.BySeverity[model.SeverityHigh])
	assert.Equal(t, 1, f.rec.Count(notify.Monitoring, notify.TypeResolutionMetrics))
}

func TestAggregateEmpty(t *testing.T) {
	t.Parallel()
	m := resolution.Aggregate(nil, time.Hour, now)
	assert.Zero(t, m.TotalConflicts)
	assert.Zero(t, m.AutomationRate)
	assert.Len(t, m.ByStatus, len(model.ResolutionStatuses))
}
