package resolution

import (
	"sort"
	"time"

	"github.com/slotwarden/slotwarden/internal/model"
)

// AutoResolveThreshold is the confidence at or above which a conflict is
// resolved without a human.
const AutoResolveThreshold = 0.8

// demotedBelow is the learned effectiveness under which a suggestion is
// pushed back by demotePenalty priority points.
const (
	demotedBelow  = 0.5
	demotePenalty = 10
)

// policyFlags names the policy that, when explicitly set, makes a conflict
// of the given type a policy violation.
var policyFlags = map[model.ConflictType]string{
	model.ConflictDoubleBooking:    "no_double_booking",
	model.ConflictHold:             "no_hold_overbooking",
	model.ConflictExternalOverride: "internal_calendar_authoritative",
	model.ConflictTimeMismatch:     "strict_durations",
	model.ConflictRecurring:        "protect_recurring",
	model.ConflictCancellation:     "confirm_cancellations",
}

// Factors are the complexity signals counted against automation.
type Factors struct {
	MultipleSources   bool `json:"multiple_sources"`
	HighSeverity      bool `json:"high_severity"`
	VIP               bool `json:"vip"`
	MultiplePrior     bool `json:"multiple_prior_conflicts"`
	PolicyViolation   bool `json:"policy_violation"`
	NegativeSentiment bool `json:"negative_sentiment"`
}

// Count returns how many factors are set.
func (f Factors) Count() int {
	n := 0
	for _, b := range []bool{f.MultipleSources, f.HighSeverity, f.VIP, f.MultiplePrior, f.PolicyViolation, f.NegativeSentiment} {
		if b {
			n++
		}
	}
	return n
}

// Analysis is the output of Analyze.
type Analysis struct {
	Confidence  float64                      `json:"confidence"`
	Factors     Factors                      `json:"factors"`
	Suggestions []model.ResolutionSuggestion `json:"suggestions"`
	// Reason is nil when the conflict may be resolved automatically.
	Reason *model.InterventionReason `json:"intervention_reason,omitempty"`
}

// RequiresHuman reports whether the analysis withheld automation.
func (a Analysis) RequiresHuman() bool { return a.Reason != nil }

// ComputeFactors evaluates the six complexity factors for ev.
func ComputeFactors(ev model.ConflictEvent, cc model.ConflictContext) Factors {
	return Factors{
		MultipleSources:   len(ev.Sources) > 2,
		HighSeverity:      ev.Severity == model.SeverityHigh || ev.Severity == model.SeverityCritical,
		VIP:               cc.IsVIP(),
		MultiplePrior:     cc.PriorResolutions > 2,
		PolicyViolation:   policyFlags[ev.Type] != "" && cc.PolicySet(policyFlags[ev.Type]),
		NegativeSentiment: negativeSentiment(cc.Sentiment),
	}
}

// Confidence maps a factor count to [0, 1], losing 0.2 per factor.
func Confidence(f Factors) float64 {
	return max(0, float64(5-f.Count())/5)
}

// Analyze scores ev and ranks candidate strategies. effectiveness holds the
// learned per-strategy scores; strategies missing from it score 0.5. The
// result depends only on its arguments.
func Analyze(ev model.ConflictEvent, cc model.ConflictContext, effectiveness map[string]float64, now time.Time) Analysis {
	return analyze(ev, cc, effectiveness, now, AutoResolveThreshold)
}

func analyze(ev model.ConflictEvent, cc model.ConflictContext, effectiveness map[string]float64, now time.Time, threshold float64) Analysis {
	f := ComputeFactors(ev, cc)
	a := Analysis{
		Confidence:  Confidence(f),
		Factors:     f,
		Suggestions: rank(suggest(ev, cc, now), effectiveness),
	}
	if a.Confidence < threshold {
		r := reasonFor(f)
		a.Reason = &r
	}
	return a
}

func reasonFor(f Factors) model.InterventionReason {
	switch {
	case f.VIP:
		return model.ReasonHighValuePatient
	case f.MultiplePrior:
		return model.ReasonMultiplePriorConflicts
	case f.PolicyViolation:
		return model.ReasonPolicyViolation
	default:
		return model.ReasonUncertainResolution
	}
}

func suggest(ev model.ConflictEvent, cc model.ConflictContext, now time.Time) []model.ResolutionSuggestion {
	var out []model.ResolutionSuggestion
	switch ev.Type {
	case model.ConflictDoubleBooking:
		if cc.IsVIP() {
			out = append(out, model.ResolutionSuggestion{
				Strategy:    model.StrategyManualReview,
				Description: "VIP patient involved; review before changing either booking",
				Priority:    0,
			})
		}
		internal, okI := ev.DetailTime("internal_booking_time")
		external, okE := ev.DetailTime("external_booking_time")
		if okI && okE {
			if !external.Before(internal) {
				out = append(out, model.ResolutionSuggestion{
					Strategy:    model.StrategyKeepInternal,
					Description: "Internal booking was made first; cancel the external event",
					Priority:    1,
					Automatic:   true,
					Parameters:  map[string]any{"provider": ev.DetailString("provider"), "external_event_id": ev.DetailString("external_event_id")},
				})
			} else {
				out = append(out, model.ResolutionSuggestion{
					Strategy:    model.StrategyKeepExternal,
					Description: "External event was made first; cancel the internal appointment",
					Priority:    1,
					Parameters:  map[string]any{"appointment_id": ev.DetailString("appointment_id")},
				})
			}
		}
		out = append(out, model.ResolutionSuggestion{
			Strategy:    model.StrategyReschedule,
			Description: "Move the internal appointment to the next available slot",
			Priority:    2,
			Automatic:   true,
			Parameters:  map[string]any{"appointment_id": ev.DetailString("appointment_id")},
		})

	case model.ConflictHold:
		expires, known := ev.DetailTime("hold_expires_at")
		expired := known && !expires.After(now)
		params := map[string]any{"hold_id": ev.DetailString("hold_id")}
		out = append(out,
			model.ResolutionSuggestion{
				Strategy:    model.StrategyConvertHold,
				Description: "Convert the hold into a confirmed appointment",
				Priority:    1,
				Automatic:   !expired,
				Parameters:  params,
			},
			model.ResolutionSuggestion{
				Strategy:    model.StrategyReleaseHold,
				Description: "Release the expired hold",
				Priority:    2,
				Automatic:   expired,
				Parameters:  params,
			},
			model.ResolutionSuggestion{
				Strategy:    model.StrategyExtendHold,
				Description: "Extend the hold by 15 minutes",
				Priority:    3,
				Parameters:  map[string]any{"hold_id": ev.DetailString("hold_id"), "minutes": float64(15)},
			},
		)

	case model.ConflictExternalOverride:
		params := map[string]any{
			"appointment_id":    ev.DetailString("appointment_id"),
			"provider":          ev.DetailString("provider"),
			"external_event_id": ev.DetailString("external_event_id"),
			"external_start":    ev.DetailString("external_start"),
			"external_end":      ev.DetailString("external_end"),
			"internal_start":    ev.DetailString("internal_start"),
			"internal_end":      ev.DetailString("internal_end"),
		}
		out = append(out,
			model.ResolutionSuggestion{
				Strategy:    model.StrategyAcceptExternal,
				Description: "Move the internal appointment to match the external change",
				Priority:    1,
				Automatic:   true,
				Parameters:  params,
			},
			model.ResolutionSuggestion{
				Strategy:    model.StrategyRejectExternal,
				Description: "Restore the external event to the internal time",
				Priority:    2,
				Parameters:  params,
			},
		)
	}

	for _, s := range out {
		if s.Strategy == model.StrategyManualReview {
			return out
		}
	}
	return append(out, model.ResolutionSuggestion{
		Strategy:    model.StrategyManualReview,
		Description: "Review the conflict manually",
		Priority:    99,
	})
}

// rank attaches effectiveness, demotes weak strategies and sorts by priority.
// Priority 0 suggestions are mandated by policy and never demoted. Ties keep
// generation order.
func rank(in []model.ResolutionSuggestion, effectiveness map[string]float64) []model.ResolutionSuggestion {
	for i := range in {
		e, ok := effectiveness[in[i].Strategy]
		if !ok {
			e = 0.5
		}
		in[i].Effectiveness = e
		if e < demotedBelow && in[i].Priority > 0 {
			in[i].Priority += demotePenalty
		}
	}
	sort.SliceStable(in, func(i, j int) bool { return in[i].Priority < in[j].Priority })
	return in
}
