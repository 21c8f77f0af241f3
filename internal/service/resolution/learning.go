package resolution

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/slotwarden/slotwarden/internal/model"
	"github.com/slotwarden/slotwarden/internal/storage"
)

// Effectiveness adjustment applied per outcome.
const (
	penaltyFactor = 0.95
	rewardFactor  = 1.05
	effFloor      = 0.1
	effCeil       = 1.0
)

// preventionKeyPrefix namespaces risk prevention strategies in the
// effectiveness table, apart from resolution strategies of the same name.
const preventionKeyPrefix = "prevent:"

// PreventionKey is the effectiveness key of a risk prevention strategy.
func PreventionKey(strategy string) string {
	return preventionKeyPrefix + strategy
}

// LearnFromOutcome nudges the effectiveness of every strategy attempted for
// targetID, which may name a resolution or a risk. The strategies lose 5%
// when the conflict still occurred and gain 5% otherwise, within [0.1, 1.0].
// For a risk only the prevention strategies that actually ran count, scored
// under PreventionKey.
func (e *Engine) LearnFromOutcome(ctx context.Context, targetID uuid.UUID, actual string, occurred bool, satisfaction *float64) (model.Outcome, error) {
	kind, strategies, err := e.attempted(ctx, targetID)
	if err != nil {
		return model.Outcome{}, err
	}
	at := e.now()
	factor := rewardFactor
	if occurred {
		factor = penaltyFactor
	}
	for _, s := range strategies {
		key := s
		if kind == model.OutcomeTargetRisk {
			key = PreventionKey(s)
		}
		score, err := e.store.AdjustStrategyEffectiveness(ctx, key, factor, effFloor, effCeil, at)
		if err != nil {
			return model.Outcome{}, fmt.Errorf("resolution: adjust %s: %w", s, err)
		}
		e.logger.Debug("resolution: strategy effectiveness", "strategy", key, "score", score, "conflict_occurred", occurred)
	}

	o := model.Outcome{
		ID:               uuid.New(),
		TargetID:         targetID,
		TargetKind:       kind,
		ActualOutcome:    actual,
		ConflictOccurred: occurred,
		Satisfaction:     satisfaction,
		Strategies:       strategies,
		RecordedAt:       at,
	}
	if err := e.store.RecordOutcome(ctx, o); err != nil {
		return model.Outcome{}, fmt.Errorf("resolution: record outcome: %w", err)
	}
	e.logger.Info("resolution: outcome recorded",
		"target_id", targetID, "target_kind", kind, "strategies", len(strategies), "conflict_occurred", occurred)
	return o, nil
}

// attempted lists the distinct strategies tried against a resolution or risk.
func (e *Engine) attempted(ctx context.Context, id uuid.UUID) (string, []string, error) {
	res, err := e.store.GetResolution(ctx, id)
	if err == nil {
		seen := map[string]bool{}
		var out []string
		for _, a := range res.Actions {
			if a.ActionType == model.StrategyEscalation || a.ActionType == "assign" || seen[a.ActionType] {
				continue
			}
			seen[a.ActionType] = true
			out = append(out, a.ActionType)
		}
		return model.OutcomeTargetResolution, out, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return "", nil, fmt.Errorf("resolution: load: %w", err)
	}

	risk, err := e.store.GetRisk(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return "", nil, fmt.Errorf("resolution: load risk: %w", err)
	}
	return model.OutcomeTargetRisk, append([]string(nil), risk.AttemptedStrategies...), nil
}
