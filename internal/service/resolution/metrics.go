package resolution

import (
	"context"
	"fmt"
	"time"

	"github.com/slotwarden/slotwarden/internal/model"
	"github.com/slotwarden/slotwarden/internal/notify"
)

// DefaultMetricsWindow is the trailing window used when none is given.
const DefaultMetricsWindow = 24 * time.Hour

// Metrics aggregates resolutions created within the trailing window.
func (e *Engine) Metrics(ctx context.Context, window time.Duration) (model.ResolutionMetrics, error) {
	if window <= 0 {
		window = DefaultMetricsWindow
	}
	since := e.now().Add(-window)
	list, err := e.store.ListResolutionsSince(ctx, since)
	if err != nil {
		return model.ResolutionMetrics{}, fmt.Errorf("resolution: metrics: %w", err)
	}
	return Aggregate(list, window, since), nil
}

// Aggregate computes ResolutionMetrics over list.
func Aggregate(list []model.ConflictResolution, window time.Duration, since time.Time) model.ResolutionMetrics {
	m := model.ResolutionMetrics{
		Window:         window.String(),
		Since:          since,
		TotalConflicts: len(list),
		ByStatus:       make(map[model.ResolutionStatus]int, len(model.ResolutionStatuses)),
		ByType:         make(map[model.ConflictType]int),
		BySeverity:     make(map[model.Severity]int),
	}
	for _, s := range model.ResolutionStatuses {
		m.ByStatus[s] = 0
	}
	var total float64
	var timed int
	for _, r := range list {
		m.ByStatus[r.Status]++
		m.ByType[r.ConflictType]++
		m.BySeverity[r.Severity]++
		if r.RequiresHuman && r.Status.Open() {
			m.PendingIntervention++
		}
		if r.ResolutionTimeSeconds != nil {
			total += *r.ResolutionTimeSeconds
			timed++
		}
	}
	if timed > 0 {
		m.AverageResolutionSeconds = total / float64(timed)
	}
	if m.TotalConflicts > 0 {
		m.AutomationRate = float64(m.ByStatus[model.StatusAutoResolved]) / float64(m.TotalConflicts)
	}
	return m
}

// PublishMetrics computes metrics for window and broadcasts them on the
// monitoring channel.
func (e *Engine) PublishMetrics(ctx context.Context, window time.Duration) (model.ResolutionMetrics, error) {
	m, err := e.Metrics(ctx, window)
	if err != nil {
		return m, err
	}
	e.publish(ctx, notify.Monitoring, notify.NewPayload(notify.TypeResolutionMetrics, e.now()).
		With("window", m.Window).
		With("total_conflicts", m.TotalConflicts).
		With("by_status", m.ByStatus).
		With("pending_intervention", m.PendingIntervention).
		With("average_resolution_seconds", m.AverageResolutionSeconds).
		With("automation_rate", m.AutomationRate).
		With("by_type", m.ByType).
		With("by_severity", m.BySeverity))
	return m, nil
}
