package risk

import (
	"time"

	"github.com/slotwarden/slotwarden/internal/model"
)

// Factor names and weights.
const (
	FactorDensity   = "schedule_density"
	FactorTimeSlot  = "time_slot"
	FactorPatient   = "patient_history"
	FactorSync      = "external_sync"
	FactorDayOfWeek = "day_of_week"

	weightDensity   = 0.30
	weightTimeSlot  = 0.25
	weightPatient   = 0.15
	weightSync      = 0.20
	weightDayOfWeek = 0.10
)

// Density looks densityRadius either side of the window; densitySaturation
// neighbours make the factor 1.
const (
	densityRadius     = 2 * time.Hour
	densitySaturation = 4
	// unknownPatientRisk is used when no attendance record exists.
	unknownPatientRisk = 0.3
)

// hourRisk flags hours where conflicts historically cluster. Other hours score 0.3.
var hourRisk = map[int]float64{
	8:  0.7,
	9:  0.5,
	12: 0.6,
	13: 0.5,
	16: 0.5,
	17: 0.7,
}

// TimeSlotRisk scores the local start hour of a window.
func TimeSlotRisk(local time.Time) float64 {
	if v, ok := hourRisk[local.Hour()]; ok {
		return v
	}
	return 0.3
}

// DayOfWeekRisk scores the local weekday. Monday and Friday are elevated.
func DayOfWeekRisk(local time.Time) float64 {
	switch local.Weekday() {
	case time.Monday:
		return 0.6
	case time.Friday:
		return 0.5
	case time.Saturday, time.Sunday:
		return 0.4
	default:
		return 0.2
	}
}

// DensityRisk maps the number of neighbouring appointments to [0, 1].
func DensityRisk(neighbours int) float64 {
	return clamp01(float64(neighbours) / densitySaturation)
}

// SyncRisk grows with recent external calendar churn.
func SyncRisk(recentChanges int) float64 {
	return clamp01(0.2 + 0.2*float64(recentChanges))
}

// PatientRisk derives a score from no-show and cancellation rates.
func PatientRisk(h *model.PatientHistory) float64 {
	if h == nil || h.TotalAppointments <= 0 {
		return unknownPatientRisk
	}
	return clamp01(0.6*h.NoShowRate() + 0.4*h.CancellationRate())
}

// Combine returns the weighted mean of the factors present. Absent factors
// shrink the denominator instead of counting as zero.
func Combine(factors []model.RiskFactor) float64 {
	var num, den float64
	for _, f := range factors {
		num += f.Value * f.Weight
		den += f.Weight
	}
	if den == 0 {
		return 0
	}
	return clamp01(num / den)
}

// Recommendations returns the prevention strategies for a level. Below the
// monitoring threshold nothing is recommended.
func Recommendations(level model.RiskLevel, p float64) []string {
	switch level {
	case model.RiskCritical:
		return []string{model.PreventBlockBooking, model.PreventManualReview, model.PreventAutoAdjust}
	case model.RiskHigh:
		return []string{model.PreventAlternatives, model.PreventLoadBalancing, model.PreventEarlyWarning}
	case model.RiskMedium:
		return []string{model.PreventAddBuffer, model.PreventEarlyWarning}
	}
	if p >= model.RiskMonitorThreshold {
		return []string{model.PreventMonitor}
	}
	return []string{}
}

var recommendationText = map[string]string{
	model.PreventMonitor:       "Monitor the slot for new conflicts",
	model.PreventAddBuffer:     "Add a buffer around the appointment",
	model.PreventEarlyWarning:  "Warn the scheduling team ahead of time",
	model.PreventAlternatives:  "Offer a lower-risk alternative slot",
	model.PreventLoadBalancing: "Move load to a quieter day",
	model.PreventBlockBooking:  "Block further bookings in this window",
	model.PreventManualReview:  "Have a manager review the booking",
	model.PreventAutoAdjust:    "Move the booking to the best alternative immediately",
}

// Describe renders strategy names as operator-facing text.
func Describe(strategies []string) []string {
	out := make([]string, 0, len(strategies))
	for _, s := range strategies {
		if t, ok := recommendationText[s]; ok {
			out = append(out, t)
			continue
		}
		out = append(out, s)
	}
	return out
}

func clamp01(v float64) float64 {
	return max(0, min(1, v))
}
