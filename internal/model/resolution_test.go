package model_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slotwarden/slotwarden/internal/model"
)

func TestStatusClassification(t *testing.T) {
	for _, s := range model.ResolutionStatuses {
		assert.True(t, s.Valid())
		if s.Resolved() {
			assert.True(t, s.Terminal(), "%s resolved implies terminal", s)
		}
		assert.NotEqual(t, s.Open(), s.Terminal(), "%s is exactly one of open or terminal", s)
	}
	assert.True(t, model.StatusEscalated.Terminal())
	assert.False(t, model.StatusEscalated.Resolved())
}

func TestNoTransitionLeavesTerminal(t *testing.T) {
	for _, from := range model.ResolutionStatuses {
		if !from.Terminal() {
			continue
		}
		for _, to := range model.ResolutionStatuses {
			assert.False(t, model.CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTransitionsFromPending(t *testing.T) {
	assert.True(t, model.CanTransition(model.StatusPending, model.StatusManualReview))
	assert.True(t, model.CanTransition(model.StatusPending, model.StatusAutoResolved))
	assert.True(t, model.CanTransition(model.StatusManualReview, model.StatusEscalated))
	assert.False(t, model.CanTransition(model.StatusManualReview, model.StatusAutoResolved))
	assert.False(t, model.CanTransition(model.StatusManualReview, model.StatusPending))
}

func TestTopAutomatic(t *testing.T) {
	r := model.ConflictResolution{Suggestions: []model.ResolutionSuggestion{
		{Strategy: model.StrategyManualReview, Priority: 0},
		{Strategy: model.StrategyKeepInternal, Priority: 1, Automatic: true},
		{Strategy: model.StrategyReschedule, Priority: 2, Automatic: true},
	}}
	s, ok := r.TopAutomatic()
	assert.True(t, ok)
	assert.Equal(t, model.StrategyKeepInternal, s.Strategy)

	_, ok = model.ConflictResolution{}.TopAutomatic()
	assert.False(t, ok)
}

func TestRiskLevelFor(t *testing.T) {
	assert.Equal(t, model.RiskLow, model.RiskLevelFor(0.1))
	assert.Equal(t, model.RiskLow, model.RiskLevelFor(0.49))
	assert.Equal(t, model.RiskMedium, model.RiskLevelFor(0.5))
	assert.Equal(t, model.RiskHigh, model.RiskLevelFor(0.7))
	assert.Equal(t, model.RiskCritical, model.RiskLevelFor(0.95))
	assert.True(t, model.RiskHigh.AtLeast(model.RiskMedium))
	assert.False(t, model.RiskLow.AtLeast(model.RiskMedium))
}

func TestRoleRank(t *testing.T) {
	ordered := []model.OperatorRole{model.RoleViewer, model.RoleOperator, model.RoleManager, model.RoleAdmin}
	for i := 1; i < len(ordered); i++ {
		assert.Greater(t, model.RoleRank(ordered[i]), model.RoleRank(ordered[i-1]))
	}
	assert.Equal(t, 0, model.RoleRank(model.OperatorRole("unknown")))
	assert.True(t, model.RoleAtLeast(model.RoleAdmin, model.RoleOperator))
	assert.False(t, model.RoleAtLeast(model.RoleViewer, model.RoleOperator))
}

func TestFirstFreeSlot(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	busy := []model.Window{
		{Start: base, End: base.Add(30 * time.Minute)},
		{Start: base.Add(45 * time.Minute), End: base.Add(90 * time.Minute)},
	}

	got, ok := model.FirstFreeSlot(busy, base.Add(5*time.Minute), 30*time.Minute, model.SlotStep, 8*time.Hour)
	require.True(t, ok)
	assert.True(t, got.Start.Equal(base.Add(90*time.Minute)), "15-minute gap is too short, got %s", got.Start)
	assert.Equal(t, 30*time.Minute, got.Duration())

	_, ok = model.FirstFreeSlot(busy, base, 30*time.Minute, model.SlotStep, time.Hour)
	assert.False(t, ok, "horizon ends before any free slot")
}
