package model

import (
	"time"

	"github.com/google/uuid"
)

// RiskLevel grades a predicted conflict probability.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Probability cut points shared with detection severity grading.
const (
	RiskMonitorThreshold  = 0.3
	RiskMediumThreshold   = 0.5
	RiskHighThreshold     = 0.7
	RiskCriticalThreshold = 0.9
)

// RiskLevelFor maps a probability to a level.
func RiskLevelFor(p float64) RiskLevel {
	switch {
	case p >= RiskCriticalThreshold:
		return RiskCritical
	case p >= RiskHighThreshold:
		return RiskHigh
	case p >= RiskMediumThreshold:
		return RiskMedium
	default:
		return RiskLow
	}
}

// AtLeast reports whether l is as severe as min.
func (l RiskLevel) AtLeast(min RiskLevel) bool {
	return l.rank() >= min.rank()
}

func (l RiskLevel) rank() int {
	switch l {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	case RiskCritical:
		return 4
	}
	return 0
}

// Prevention strategy names.
const (
	PreventMonitor       = "monitor"
	PreventAddBuffer     = "add_buffer"
	PreventEarlyWarning  = "early_warning"
	PreventAlternatives  = "alternative_slots"
	PreventLoadBalancing = "load_balancing"
	PreventBlockBooking  = "block_booking"
	PreventManualReview  = "manual_review"
	PreventAutoAdjust    = "auto_adjust"
)

// Risk sources.
const (
	RiskSourceBookingRequest = "booking_request"
	RiskSourceMonitor        = "monitor"
)

// RiskFactor is one weighted contributor to a risk probability.
type RiskFactor struct {
	Name        string  `json:"name"`
	Value       float64 `json:"value"`
	Weight      float64 `json:"weight"`
	Description string  `json:"description,omitempty"`
}

// ConflictRisk is a forward-looking prediction. Only EarlyWarningSent,
// Prevented and AttemptedStrategies change after creation.
type ConflictRisk struct {
	ID                   uuid.UUID    `json:"risk_id"`
	SubjectID            string       `json:"subject_id"`
	Level                RiskLevel    `json:"risk_level"`
	PredictedWindow      Window       `json:"predicted_window"`
	PredictedType        ConflictType `json:"predicted_conflict_type"`
	Probability          float64      `json:"probability"`
	ContributingFactors  []RiskFactor `json:"contributing_factors"`
	PreventionStrategies []string     `json:"prevention_strategies"`
	AttemptedStrategies  []string     `json:"attempted_strategies"`
	EarlyWarningSent     bool         `json:"early_warning_sent"`
	Prevented            bool         `json:"prevented"`
	Source               string       `json:"source"`
	CreatedAt            time.Time    `json:"created_at"`
	UpdatedAt            time.Time    `json:"updated_at"`
}

// AlternativeSlot is a candidate window with a lower predicted risk.
type AlternativeSlot struct {
	Window      Window    `json:"window"`
	Probability float64   `json:"probability"`
	Level       RiskLevel `json:"risk_level"`
}

// RiskAssessment is the result of a pre-booking analysis.
type RiskAssessment struct {
	Risk            ConflictRisk      `json:"risk"`
	Recommendations []string          `json:"recommendations"`
	Alternatives    []AlternativeSlot `json:"alternatives,omitempty"`
	Persisted       bool              `json:"persisted"`
}

// StrategyOutcome records one prevention strategy attempt.
type StrategyOutcome struct {
	Strategy string `json:"strategy"`
	Success  bool   `json:"success"`
	Detail   string `json:"detail,omitempty"`
}

// PreventionResult is returned by prevention execution.
type PreventionResult struct {
	RiskID    uuid.UUID         `json:"risk_id"`
	Outcomes  []StrategyOutcome `json:"outcomes"`
	Prevented bool              `json:"prevented"`
}
