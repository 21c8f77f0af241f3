package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/slotwarden/slotwarden/internal/model"
)

// DefaultEffectiveness is the score a strategy starts from before any outcome is recorded.
const DefaultEffectiveness = 0.5

// StrategyEffectiveness returns the learned score for every strategy with at least one sample.
func (db *DB) StrategyEffectiveness(ctx context.Context) (map[string]float64, error) {
	rows, err := db.pool.Query(ctx, `SELECT strategy, score FROM strategy_effectiveness`)
	if err != nil {
		return nil, fmt.Errorf("storage: strategy effectiveness: %w", err)
	}
	defer rows.Close()
	out := make(map[string]float64)
	for rows.Next() {
		var name string
		var score float64
		if err := rows.Scan(&name, &score); err != nil {
			return nil, fmt.Errorf("storage: scan effectiveness: %w", err)
		}
		out[name] = score
	}
	return out, rows.Err()
}

// AdjustStrategyEffectiveness multiplies a strategy's score by factor and
// clamps it to [floor, ceil] in a single statement. Unknown strategies start
// from DefaultEffectiveness. Returns the new score.
func (db *DB) AdjustStrategyEffectiveness(ctx context.Context, strategy string, factor, floor, ceil float64, at time.Time) (float64, error) {
	var score float64
	err := db.pool.QueryRow(ctx,
		`INSERT INTO strategy_effectiveness (strategy, score, samples, updated_at)
		 VALUES ($1, LEAST($4::double precision, GREATEST($3::double precision, $6::double precision * $2::double precision)), 1, $5)
		 ON CONFLICT (strategy) DO UPDATE SET
		    score = LEAST($4::double precision, GREATEST($3::double precision, strategy_effectiveness.score * $2::double precision)),
		    samples = strategy_effectiveness.samples + 1,
		    updated_at = $5
		 RETURNING score`,
		strategy, factor, floor, ceil, at, DefaultEffectiveness,
	).Scan(&score)
	if err != nil {
		return 0, fmt.Errorf("storage: adjust effectiveness: %w", err)
	}
	return score, nil
}

// RecordOutcome stores a learning-loop observation.
func (db *DB) RecordOutcome(ctx context.Context, o model.Outcome) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.Strategies == nil {
		o.Strategies = []string{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO resolution_outcomes (id, target_id, target_kind, actual_outcome, conflict_occurred, satisfaction, strategies, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		o.ID, o.TargetID, o.TargetKind, o.ActualOutcome, o.ConflictOccurred, o.Satisfaction, o.Strategies, o.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: record outcome: %w", err)
	}
	return nil
}
