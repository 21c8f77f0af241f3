package lite

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/slotwarden/slotwarden/internal/model"
	"github.com/slotwarden/slotwarden/internal/storage"
)

// StrategyEffectiveness returns the learned score for every strategy with at least one sample.
func (s *Store) StrategyEffectiveness(ctx context.Context) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT strategy, score FROM strategy_effectiveness`)
	if err != nil {
		return nil, fmt.Errorf("lite: strategy effectiveness: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := make(map[string]float64)
	for rows.Next() {
		var name string
		var score float64
		if err := rows.Scan(&name, &score); err != nil {
			return nil, fmt.Errorf("lite: scan effectiveness: %w", err)
		}
		out[name] = score
	}
	return out, rows.Err()
}

// AdjustStrategyEffectiveness multiplies a strategy's score by factor and
// clamps it to [floor, ceil]. Unknown strategies start from
// storage.DefaultEffectiveness. Returns the new score.
func (s *Store) AdjustStrategyEffectiveness(ctx context.Context, strategy string, factor, floor, ceil float64, at time.Time) (float64, error) {
	var score float64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO strategy_effectiveness (strategy, score, samples, updated_at)
		 VALUES (?1, min(?4, max(?3, ?6 * ?2)), 1, ?5)
		 ON CONFLICT (strategy) DO UPDATE SET
		    score = min(?4, max(?3, strategy_effectiveness.score * ?2)),
		    samples = strategy_effectiveness.samples + 1,
		    updated_at = ?5
		 RETURNING score`,
		strategy, factor, floor, ceil, ns(at), storage.DefaultEffectiveness,
	).Scan(&score)
	if err != nil {
		return 0, fmt.Errorf("lite: adjust effectiveness: %w", err)
	}
	return score, nil
}

// RecordOutcome stores a learning-loop observation.
func (s *Store) RecordOutcome(ctx context.Context, o model.Outcome) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.Strategies == nil {
		o.Strategies = []string{}
	}
	strategies, err := encodeJSON(o.Strategies)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO resolution_outcomes (id, target_id, target_kind, actual_outcome, conflict_occurred, satisfaction, strategies, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.TargetID, o.TargetKind, o.ActualOutcome, o.ConflictOccurred, o.Satisfaction, strategies, ns(o.RecordedAt),
	)
	if err != nil {
		return fmt.Errorf("lite: record outcome: %w", err)
	}
	return nil
}
