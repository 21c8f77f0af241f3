package risk_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slotwarden/slotwarden/internal/model"
	"github.com/slotwarden/slotwarden/internal/notify"
)

func TestMonitorCycleWarnsOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.UpsertSubject(ctx, model.SubjectProfile{SubjectID: "dr-mon", Timezone: "UTC", Tracked: true}))
	require.NoError(t, f.store.UpsertSubject(ctx, model.SubjectProfile{SubjectID: "dr-off", Timezone: "UTC"}))
	at0730 := f.book(t, "dr-mon", now.Add(30*time.Minute))
	at0800 := f.book(t, "dr-mon", now.Add(time.Hour))
	f.book(t, "dr-mon", now.Add(90*time.Minute))
	f.book(t, "dr-off", now.Add(time.Hour))

	rep, err := f.predictor.MonitorCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Subjects)
	assert.Equal(t, 3, rep.Appointments)
	// 07:30 scores low but above the monitor threshold; 08:00 and 08:30 are medium.
	assert.Equal(t, 3, rep.RisksRecorded)
	assert.Equal(t, 2, rep.Warnings)
	assert.Equal(t, 2, f.rec.Count(notify.Dashboard, notify.TypeEarlyWarning))
	assert.Equal(t, 1, f.rec.Count(notify.Monitoring, notify.TypeMonitoringCycle))

	low, err := f.store.FindRisk(ctx, "dr-mon", at0730.Window)
	require.NoError(t, err)
	assert.Equal(t, model.RiskLow, low.Level)
	assert.InDelta(t, 0.4125, low.Probability, 1e-9)
	assert.Equal(t, model.RiskSourceMonitor, low.Source)
	assert.False(t, low.EarlyWarningSent)

	medium, err := f.store.FindRisk(ctx, "dr-mon", at0800.Window)
	require.NoError(t, err)
	assert.Equal(t, model.RiskMedium, medium.Level)
	assert.InDelta(t, 0.5375, medium.Probability, 1e-9)
	assert.True(t, medium.EarlyWarningSent)

	rep, err = f.predictor.MonitorCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.RisksRecorded)
	assert.Equal(t, 0, rep.Warnings)
	assert.Equal(t, 2, f.rec.Count(notify.Dashboard, notify.TypeEarlyWarning))
	assert.Equal(t, 2, f.rec.Count(notify.Monitoring, notify.TypeMonitoringCycle))
}

func TestMonitorCycleSkipsPastAndCancelled(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.UpsertSubject(ctx, model.SubjectProfile{SubjectID: "dr-mon", Timezone: "UTC", Tracked: true}))
	f.book(t, "dr-mon", now.Add(-2*time.Hour))
	a := f.book(t, "dr-mon", now.Add(time.Hour))
	require.NoError(t, f.store.CancelAppointment(ctx, a.ID, now))

	rep, err := f.predictor.MonitorCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Appointments)
	assert.Equal(t, 0, rep.RisksRecorded)
}
