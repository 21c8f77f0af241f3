package risk_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/slotwarden/slotwarden/internal/model"
	"github.com/slotwarden/slotwarden/internal/service/risk"
)

func TestTimeSlotRisk(t *testing.T) {
	t.Parallel()
	tests := []struct {
		hour int
		want float64
	}{
		{8, 0.7}, {9, 0.5}, {10, 0.3}, {12, 0.6}, {13, 0.5}, {16, 0.5}, {17, 0.7}, {22, 0.3},
	}
	for _, tt := range tests {
		at := time.Date(2026, 3, 4, tt.hour, 15, 0, 0, time.UTC)
		assert.Equal(t, tt.want, risk.TimeSlotRisk(at), "hour %d", tt.hour)
	}
}

func TestDayOfWeekRisk(t *testing.T) {
	t.Parallel()
	monday := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	want := []float64{0.6, 0.2, 0.2, 0.2, 0.5, 0.4, 0.4}
	for i, w := range want {
		d := monday.AddDate(0, 0, i)
		assert.Equal(t, w, risk.DayOfWeekRisk(d), d.Weekday().String())
	}
}

func TestDensityAndSyncRisk(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 0.0, risk.DensityRisk(0))
	assert.Equal(t, 0.5, risk.DensityRisk(2))
	assert.Equal(t, 1.0, risk.DensityRisk(9))

	assert.InDelta(t, 0.2, risk.SyncRisk(0), 1e-9)
	assert.InDelta(t, 0.6, risk.SyncRisk(2), 1e-9)
	assert.Equal(t, 1.0, risk.SyncRisk(10))
}

func TestPatientRisk(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 0.3, risk.PatientRisk(nil))
	assert.Equal(t, 0.3, risk.PatientRisk(&model.PatientHistory{}))
	assert.InDelta(t, 0.5, risk.PatientRisk(&model.PatientHistory{TotalAppointments: 10, NoShows: 5, Cancellations: 5}), 1e-9)
	assert.InDelta(t, 0.0, risk.PatientRisk(&model.PatientHistory{TotalAppointments: 10}), 1e-9)
}

func TestCombineSkipsMissingFactors(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 0.0, risk.Combine(nil))

	got := risk.Combine([]model.RiskFactor{
		{Name: risk.FactorTimeSlot, Value: 0.7, Weight: 0.25},
		{Name: risk.FactorPatient, Value: 0.3, Weight: 0.15},
		{Name: risk.FactorDayOfWeek, Value: 0.6, Weight: 0.10},
	})
	assert.InDelta(t, 0.56, got, 1e-9)
}

func TestRecommendations(t *testing.T) {
	t.Parallel()
	tests := []struct {
		level model.RiskLevel
		p     float64
		want  []string
	}{
		{model.RiskCritical, 0.95, []string{"block_booking", "manual_review", "auto_adjust"}},
		{model.RiskHigh, 0.75, []string{"alternative_slots", "load_balancing", "early_warning"}},
		{model.RiskMedium, 0.55, []string{"add_buffer", "early_warning"}},
		{model.RiskLow, 0.35, []string{"monitor"}},
		{model.RiskLow, 0.1, []string{}},
	}
	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, risk.Recommendations(tt.level, tt.p))
		})
	}
}

func TestDescribe(t *testing.T) {
	t.Parallel()
	got := risk.Describe([]string{"add_buffer", "custom"})
	assert.Equal(t, []string{"Add a buffer around the appointment", "custom"}, got)
	assert.Empty(t, risk.Describe(nil))
}
