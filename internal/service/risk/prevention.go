package risk

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/slotwarden/slotwarden/internal/model"
	"github.com/slotwarden/slotwarden/internal/notify"
)

// ErrUnknownStrategy is reported in an outcome for an unregistered strategy.
var ErrUnknownStrategy = errors.New("risk: unknown prevention strategy")

// loadBalanceDays is how far ahead load_balancing looks for a quieter day.
const loadBalanceDays = 5

type preventer func(ctx context.Context, r model.ConflictRisk) (string, error)

// concluding strategies end a prevention run once they succeed.
var concluding = map[string]bool{
	model.PreventAutoAdjust:   true,
	model.PreventAlternatives: true,
}

// preventing strategies mark the risk prevented when they succeed.
var preventing = map[string]bool{
	model.PreventAutoAdjust:    true,
	model.PreventAlternatives:  true,
	model.PreventBlockBooking:  true,
	model.PreventAddBuffer:     true,
	model.PreventLoadBalancing: true,
}

func (p *Predictor) preventers() map[string]preventer {
	return map[string]preventer{
		model.PreventMonitor:       p.preventMonitor,
		model.PreventAddBuffer:     p.preventAddBuffer,
		model.PreventEarlyWarning:  p.preventEarlyWarning,
		model.PreventAlternatives:  p.preventAlternatives,
		model.PreventLoadBalancing: p.preventLoadBalancing,
		model.PreventBlockBooking:  p.preventBlockBooking,
		model.PreventManualReview:  p.preventManualReview,
		model.PreventAutoAdjust:    p.preventAutoAdjust,
	}
}

// PreventPredictedConflict runs strategies against a recorded risk in order.
// An empty list runs the risk's own recommendations. Each strategy yields one
// outcome; the run stops after auto_adjust or alternative_slots succeed.
// Strategies that ran, successfully or not, are recorded on the risk.
func (p *Predictor) PreventPredictedConflict(ctx context.Context, riskID uuid.UUID, strategies []string) (model.PreventionResult, error) {
	r, err := p.Get(ctx, riskID)
	if err != nil {
		return model.PreventionResult{}, err
	}
	if len(strategies) == 0 {
		strategies = r.PreventionStrategies
	}

	res := model.PreventionResult{RiskID: r.ID, Prevented: r.Prevented}
	handlers := p.preventers()
	var ran []string
	for _, name := range strategies {
		h, ok := handlers[name]
		if !ok {
			p.logger.Warn("risk: unknown prevention strategy", "risk_id", r.ID, "strategy", name)
			res.Outcomes = append(res.Outcomes, model.StrategyOutcome{Strategy: name, Detail: ErrUnknownStrategy.Error()})
			continue
		}
		if !slices.Contains(ran, name) {
			ran = append(ran, name)
		}
		detail, err := h(ctx, r)
		if err != nil {
			p.logger.Warn("risk: prevention strategy failed", "risk_id", r.ID, "strategy", name, "error", err)
			res.Outcomes = append(res.Outcomes, model.StrategyOutcome{Strategy: name, Detail: err.Error()})
			continue
		}
		res.Outcomes = append(res.Outcomes, model.StrategyOutcome{Strategy: name, Success: true, Detail: detail})
		if preventing[name] {
			res.Prevented = true
		}
		if concluding[name] {
			break
		}
	}

	if err := p.store.RecordPreventionAttempts(ctx, r.ID, ran, p.now()); err != nil {
		return res, fmt.Errorf("risk: record attempts: %w", err)
	}
	if res.Prevented && !r.Prevented {
		if err := p.store.MarkPrevented(ctx, r.ID, p.now()); err != nil {
			return res, fmt.Errorf("risk: mark prevented: %w", err)
		}
	}
	p.index.Delete(r.ID)
	p.publish(ctx, notify.Dashboard, p.riskPayload(notify.TypePreventionExecuted, r).
		With("outcomes", res.Outcomes).
		With("prevented", res.Prevented))
	return res, nil
}

func (p *Predictor) preventMonitor(_ context.Context, _ model.ConflictRisk) (string, error) {
	return "window kept under monitoring", nil
}

func (p *Predictor) block(ctx context.Context, r model.ConflictRisk, w model.Window, reason string) error {
	_, err := p.store.BlockSlot(ctx, model.ScheduleBlock{
		SubjectID: r.SubjectID,
		Window:    w,
		Reason:    fmt.Sprintf("%s (risk %s)", reason, r.ID),
		CreatedBy: "system",
		CreatedAt: p.now(),
	})
	return err
}

func (p *Predictor) preventAddBuffer(ctx context.Context, r model.ConflictRisk) (string, error) {
	w := r.PredictedWindow
	buf := p.opts.Buffer
	if err := p.block(ctx, r, model.Window{Start: w.Start.Add(-buf), End: w.Start}, "buffer before"); err != nil {
		return "", fmt.Errorf("block buffer before: %w", err)
	}
	if err := p.block(ctx, r, model.Window{Start: w.End, End: w.End.Add(buf)}, "buffer after"); err != nil {
		return "", fmt.Errorf("block buffer after: %w", err)
	}
	return fmt.Sprintf("%s buffer blocked either side", buf), nil
}

func (p *Predictor) preventEarlyWarning(ctx context.Context, r model.ConflictRisk) (string, error) {
	sent, err := p.warn(ctx, r)
	if err != nil {
		return "", err
	}
	if !sent {
		return "early warning already sent", nil
	}
	return "early warning sent", nil
}

func (p *Predictor) preventAlternatives(ctx context.Context, r model.ConflictRisk) (string, error) {
	alts := p.riskAlternatives(ctx, r)
	if len(alts) == 0 {
		return "", errors.New("no lower-risk window available")
	}
	starts := make([]string, len(alts))
	for i, a := range alts {
		starts[i] = model.FormatTime(a.Window.Start)
	}
	return "alternatives: " + strings.Join(starts, ", "), nil
}

func (p *Predictor) riskAlternatives(ctx context.Context, r model.ConflictRisk) []model.AlternativeSlot {
	return p.alternatives(ctx, r.SubjectID, r.PredictedWindow, p.subject(ctx, r.SubjectID), nil, r.Probability)
}

// preventLoadBalancing finds the day within loadBalanceDays with the fewest
// bookings, provided it is quieter than the risk's own day.
func (p *Predictor) preventLoadBalancing(ctx context.Context, r model.ConflictRisk) (string, error) {
	info := p.subject(ctx, r.SubjectID)
	dayOf := func(t time.Time) model.Window {
		l := t.In(info.loc)
		start := time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, info.loc)
		return model.Window{Start: start, End: start.AddDate(0, 0, 1)}
	}
	base, err := p.store.CountAppointments(ctx, r.SubjectID, dayOf(r.PredictedWindow.Start))
	if err != nil {
		return "", fmt.Errorf("count day: %w", err)
	}
	best, bestDay := base, time.Time{}
	for d := 1; d <= loadBalanceDays; d++ {
		day := dayOf(r.PredictedWindow.Start.AddDate(0, 0, d))
		n, err := p.store.CountAppointments(ctx, r.SubjectID, day)
		if err != nil {
			return "", fmt.Errorf("count day: %w", err)
		}
		if n < best {
			best, bestDay = n, day.Start
		}
	}
	if bestDay.IsZero() {
		return "", fmt.Errorf("no quieter day within %d days", loadBalanceDays)
	}
	return fmt.Sprintf("%s has %d bookings against %d", bestDay.Format(time.DateOnly), best, base), nil
}

func (p *Predictor) preventBlockBooking(ctx context.Context, r model.ConflictRisk) (string, error) {
	if err := p.block(ctx, r, r.PredictedWindow, "high conflict risk"); err != nil {
		return "", fmt.Errorf("block window: %w", err)
	}
	return "window blocked for new bookings", nil
}

func (p *Predictor) preventManualReview(ctx context.Context, r model.ConflictRisk) (string, error) {
	p.publish(ctx, notify.Dashboard, p.riskPayload(notify.TypeHumanInterventionRequired, r).
		With("intervention_reason", "predicted_conflict"))
	return "flagged for manual review", nil
}

// preventAutoAdjust moves the first active booking in the window to the
// lowest-risk alternative.
func (p *Predictor) preventAutoAdjust(ctx context.Context, r model.ConflictRisk) (string, error) {
	list, err := p.store.ListAppointments(ctx, r.SubjectID, r.PredictedWindow)
	if err != nil {
		return "", fmt.Errorf("list appointments: %w", err)
	}
	var target *model.Appointment
	for i := range list {
		if list[i].Status.Active() {
			target = &list[i]
			break
		}
	}
	if target == nil {
		return "", errors.New("no booking in the predicted window")
	}
	alts := p.riskAlternatives(ctx, r)
	if len(alts) == 0 {
		return "", errors.New("no lower-risk window available")
	}
	dest := alts[0].Window
	if err := p.store.MoveAppointment(ctx, target.ID, dest, p.now()); err != nil {
		return "", fmt.Errorf("move appointment: %w", err)
	}
	p.logger.Info("risk: appointment moved", "risk_id", r.ID, "appointment_id", target.ID, "start", dest.Start)
	return fmt.Sprintf("appointment %s moved to %s", target.ID, model.FormatTime(dest.Start)), nil
}
