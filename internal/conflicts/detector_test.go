package conflicts_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slotwarden/slotwarden/internal/calendar"
	"github.com/slotwarden/slotwarden/internal/conflicts"
	"github.com/slotwarden/slotwarden/internal/model"
	"github.com/slotwarden/slotwarden/internal/storage/lite"
	"github.com/slotwarden/slotwarden/internal/testutil"
)

var (
	now    = time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)
	slot   = model.Window{Start: now.Add(2 * time.Hour), End: now.Add(2*time.Hour + 30*time.Minute)}
	within = model.Window{Start: now, End: now.Add(24 * time.Hour)}
)

type fixture struct {
	store    *lite.Store
	google   *calendar.Memory
	outlook  *calendar.Memory
	registry *calendar.Registry

	mu      sync.Mutex
	emitted []model.ConflictEvent
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s, err := lite.Open(ctx, ":memory:", testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(ctx) })

	f := &fixture{store: s, google: calendar.NewMemory("google"), outlook: calendar.NewMemory("outlook")}
	f.registry = calendar.NewRegistry(100*time.Millisecond, testutil.TestLogger(), f.google, f.outlook)
	return f
}

// sink persists a pending resolution so store-backed dedupe sees it.
func (f *fixture) sink(ctx context.Context, ev model.ConflictEvent) error {
	f.mu.Lock()
	f.emitted = append(f.emitted, ev)
	f.mu.Unlock()
	_, err := f.store.CreateResolution(ctx, ev, model.ConflictResolution{
		SubjectID: ev.SubjectID, ConflictType: ev.Type, Severity: ev.Severity,
		Status: model.StatusPending, CreatedAt: ev.DetectedAt, UpdatedAt: ev.DetectedAt,
	})
	return err
}

func (f *fixture) detector(t *testing.T) *conflicts.Detector {
	t.Helper()
	d := conflicts.New(f.store, f.registry, f.sink, testutil.TestLogger(), conflicts.Options{
		Lookahead: 24 * time.Hour,
		Now:       func() time.Time { return now },
	})
	t.Cleanup(d.Close)
	return d
}

func (f *fixture) book(t *testing.T, subject string, w model.Window, createdAt time.Time) model.Appointment {
	t.Helper()
	a, err := f.store.CreateAppointment(context.Background(), model.Appointment{
		SubjectID: subject, PatientID: "p-1", Window: w, CreatedAt: createdAt,
	})
	require.NoError(t, err)
	return a
}

func TestDoubleBookingDetectedOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.book(t, "dr-a", slot, now.Add(-48*time.Hour))
	f.google.Put(model.ExternalEvent{ID: "g-1", SubjectID: "dr-a", Window: slot, CreatedAt: now.Add(-time.Hour)})

	d := f.detector(t)
	events, err := d.DetectDoubleBooking(ctx, "dr-a", within)
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, model.ConflictDoubleBooking, ev.Type)
	assert.Equal(t, []string{"internal", "google"}, ev.Sources)
	assert.Equal(t, model.SeverityHigh, ev.Severity)
	assert.Equal(t, "g-1", ev.DetailString("external_event_id"))
	internal, ok := ev.DetailTime("internal_booking_time")
	require.True(t, ok)
	external, ok := ev.DetailTime("external_booking_time")
	require.True(t, ok)
	assert.True(t, internal.Before(external))

	again, err := d.DetectDoubleBooking(ctx, "dr-a", within)
	require.NoError(t, err)
	assert.Empty(t, again)

	// A fresh detector has no memory and must rely on the persisted resolution.
	fresh, err := f.detector(t).DetectDoubleBooking(ctx, "dr-a", within)
	require.NoError(t, err)
	assert.Empty(t, fresh)
	assert.Len(t, f.emitted, 1)
}

func TestDoubleBookingAcrossProvidersIsCritical(t *testing.T) {
	f := newFixture(t)
	f.book(t, "dr-b", slot, now.Add(-time.Hour))
	f.google.Put(model.ExternalEvent{ID: "g-1", SubjectID: "dr-b", Window: slot})
	f.outlook.Put(model.ExternalEvent{ID: "o-1", SubjectID: "dr-b", Window: slot.Shift(10 * time.Minute)})

	events, err := f.detector(t).DetectDoubleBooking(context.Background(), "dr-b", within)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.SeverityCritical, events[0].Severity)
	assert.Len(t, events[0].Sources, 3)
}

func TestMirrorIsNotADoubleBooking(t *testing.T) {
	f := newFixture(t)
	a := f.book(t, "dr-c", slot, now)
	f.google.Put(model.ExternalEvent{ID: "g-1", SubjectID: "dr-c", Window: slot, InternalRef: &a.ID})

	events, err := f.detector(t).Detect(context.Background(), "dr-c", within)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestUnreachableProviderIsSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.book(t, "dr-d", slot, now)
	f.google.FailWith(errors.New("dial tcp: connection refused"))
	f.outlook.SetDelay(time.Second)
	_, err := f.store.CreateHold(ctx, model.Hold{SubjectID: "dr-d", Window: slot, ExpiresAt: now.Add(time.Hour)})
	require.NoError(t, err)

	start := time.Now()
	events, err := f.detector(t).Detect(ctx, "dr-d", within)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second, "a hanging provider must not block detection")

	require.Len(t, events, 1)
	assert.Equal(t, model.ConflictHold, events[0].Type)
	assert.Equal(t, model.SeverityMedium, events[0].Severity)
}

func TestOnExternalChangeDetectsOverride(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.book(t, "dr-e", slot, now)
	f.google.Put(model.ExternalEvent{ID: "g-1", SubjectID: "dr-e", Window: slot.Shift(15 * time.Minute), InternalRef: &a.ID})
	f.outlook.FailWith(errors.New("outlook should not be asked"))

	events, err := f.detector(t).OnExternalChange(ctx, "dr-e", "google", slot)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.ConflictExternalOverride, events[0].Type)
	assert.Equal(t, a.ID.String(), events[0].DetailString("appointment_id"))
	assert.True(t, events[0].Window.Equal(slot))

	n, err := f.store.CountExternalChanges(ctx, "dr-e", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOnExternalChangeUnknownProvider(t *testing.T) {
	f := newFixture(t)
	events, err := f.detector(t).OnExternalChange(context.Background(), "dr-f", "icloud", slot)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestSweepCoversTrackedSubjects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for _, id := range []string{"dr-1", "dr-2", "dr-3"} {
		require.NoError(t, f.store.UpsertSubject(ctx, model.SubjectProfile{SubjectID: id, Tracked: true}))
		f.book(t, id, slot, now)
		f.google.Put(model.ExternalEvent{ID: "g-" + id, SubjectID: id, Window: slot})
	}
	require.NoError(t, f.store.UpsertSubject(ctx, model.SubjectProfile{SubjectID: "dr-x", Tracked: false}))
	f.book(t, "dr-x", slot, now)
	f.google.Put(model.ExternalEvent{ID: "g-x", SubjectID: "dr-x", Window: slot})

	n, err := f.detector(t).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestLinkedCalendarsLimitProviders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.UpsertSubject(ctx, model.SubjectProfile{
		SubjectID: "dr-g", Tracked: true, LinkedCalendars: []string{"outlook"},
	}))
	f.book(t, "dr-g", slot, now)
	f.google.Put(model.ExternalEvent{ID: "g-1", SubjectID: "dr-g", Window: slot})

	events, err := f.detector(t).Detect(ctx, "dr-g", within)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestDetectRejectsInvalidWindow(t *testing.T) {
	f := newFixture(t)
	_, err := f.detector(t).Detect(context.Background(), "dr-h", model.Window{Start: now, End: now})
	assert.Error(t, err)
}

func TestSinkFailureAllowsRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.book(t, "dr-i", slot, now)
	f.google.Put(model.ExternalEvent{ID: "g-1", SubjectID: "dr-i", Window: slot})

	fail := true
	d := conflicts.New(f.store, f.registry, func(ctx context.Context, ev model.ConflictEvent) error {
		if fail {
			return errors.New("queue full")
		}
		return f.sink(ctx, ev)
	}, testutil.TestLogger(), conflicts.Options{Now: func() time.Time { return now }})
	t.Cleanup(d.Close)

	events, err := d.DetectDoubleBooking(ctx, "dr-i", within)
	require.NoError(t, err)
	assert.Empty(t, events)

	fail = false
	events, err = d.DetectDoubleBooking(ctx, "dr-i", within)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.NotEqual(t, uuid.Nil, events[0].ID)
}

func TestOnExternalChangeDetectsMoveAwayFromSlot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.book(t, "dr-j", slot, now)
	moved := slot.Shift(5 * time.Hour)
	f.google.Put(model.ExternalEvent{ID: "g-1", SubjectID: "dr-j", Window: moved, InternalRef: &a.ID})

	d := f.detector(t)
	events, err := d.OnExternalChange(ctx, "dr-j", "google", moved)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.ConflictExternalOverride, events[0].Type)
	assert.Equal(t, a.ID.String(), events[0].DetailString("appointment_id"))
	assert.True(t, events[0].Window.Equal(slot), "the conflict covers the internal slot")

	// The sweep agrees and does not emit it a second time.
	again, err := d.DetectExternalOverrides(ctx, "dr-j", within)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestMirrorOfAnotherSubjectIsIgnored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.book(t, "dr-k", slot, now)
	moved := slot.Shift(5 * time.Hour)
	f.google.Put(model.ExternalEvent{ID: "g-1", SubjectID: "dr-l", Window: moved, InternalRef: &a.ID})

	events, err := f.detector(t).OnExternalChange(ctx, "dr-l", "google", moved)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestHoldRuleConsultsCalendars(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.store.CreateHold(ctx, model.Hold{SubjectID: "dr-m", PatientID: "p-2", Window: slot, ExpiresAt: now.Add(time.Hour)})
	require.NoError(t, err)
	f.google.Put(model.ExternalEvent{ID: "g-1", SubjectID: "dr-m", Window: slot})

	events, err := f.detector(t).DetectHoldConflicts(ctx, "dr-m", within)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.ConflictHold, events[0].Type)
	assert.Equal(t, []string{"internal", "google"}, events[0].Sources)
	assert.Equal(t, "g-1", events[0].DetailString("external_event_id"))

	// Running every rule over the same state finds nothing new.
	all, err := f.detector(t).Detect(ctx, "dr-m", within)
	require.NoError(t, err)
	assert.Empty(t, all)
}
