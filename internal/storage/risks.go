package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/slotwarden/slotwarden/internal/model"
)

const riskColumns = `id, subject_id, risk_level, starts_at, ends_at, predicted_type, probability,
	factors, strategies, attempted_strategies, early_warning_sent, prevented, source, created_at, updated_at`

// CreateRisk persists a prediction.
func (db *DB) CreateRisk(ctx context.Context, r model.ConflictRisk) (model.ConflictRisk, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	if r.ContributingFactors == nil {
		r.ContributingFactors = []model.RiskFactor{}
	}
	if r.PreventionStrategies == nil {
		r.PreventionStrategies = []string{}
	}
	if r.AttemptedStrategies == nil {
		r.AttemptedStrategies = []string{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO conflict_risks (`+riskColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		r.ID, r.SubjectID, string(r.Level), r.PredictedWindow.Start, r.PredictedWindow.End,
		string(r.PredictedType), r.Probability, r.ContributingFactors, r.PreventionStrategies, r.AttemptedStrategies,
		r.EarlyWarningSent, r.Prevented, r.Source, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return model.ConflictRisk{}, fmt.Errorf("storage: create risk: %w", err)
	}
	return r, nil
}

// GetRisk returns one risk.
func (db *DB) GetRisk(ctx context.Context, id uuid.UUID) (model.ConflictRisk, error) {
	r, err := scanRisk(db.pool.QueryRow(ctx, `SELECT `+riskColumns+` FROM conflict_risks WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ConflictRisk{}, fmt.Errorf("storage: risk %s: %w", id, ErrNotFound)
		}
		return model.ConflictRisk{}, fmt.Errorf("storage: get risk: %w", err)
	}
	return r, nil
}

// FindRisk returns the most recent risk predicted for exactly this subject and window.
func (db *DB) FindRisk(ctx context.Context, subjectID string, w model.Window) (model.ConflictRisk, error) {
	r, err := scanRisk(db.pool.QueryRow(ctx,
		`SELECT `+riskColumns+` FROM conflict_risks
		 WHERE subject_id = $1 AND starts_at = $2 AND ends_at = $3
		 ORDER BY created_at DESC LIMIT 1`, subjectID, w.Start, w.End))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ConflictRisk{}, fmt.Errorf("storage: risk for %s: %w", subjectID, ErrNotFound)
		}
		return model.ConflictRisk{}, fmt.Errorf("storage: find risk: %w", err)
	}
	return r, nil
}

// MarkEarlyWarningSent latches early_warning_sent. Returns true only for the
// call that flipped it.
func (db *DB) MarkEarlyWarningSent(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE conflict_risks SET early_warning_sent = true, updated_at = $2
		 WHERE id = $1 AND NOT early_warning_sent`, id, at)
	if err != nil {
		return false, fmt.Errorf("storage: mark early warning: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkPrevented sets prevented on a risk.
func (db *DB) MarkPrevented(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE conflict_risks SET prevented = true, updated_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("storage: mark prevented: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: risk %s: %w", id, ErrNotFound)
	}
	return nil
}

// RecordPreventionAttempts appends the strategies not yet recorded as run
// against a risk, keeping first-run order.
func (db *DB) RecordPreventionAttempts(ctx context.Context, id uuid.UUID, strategies []string, at time.Time) error {
	if len(strategies) == 0 {
		return nil
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE conflict_risks
		 SET attempted_strategies = attempted_strategies ||
		         ARRAY(SELECT s FROM unnest($2::text[]) WITH ORDINALITY AS t(s, n)
		               WHERE s <> ALL(attempted_strategies) ORDER BY n),
		     updated_at = $3
		 WHERE id = $1`, id, strategies, at)
	if err != nil {
		return fmt.Errorf("storage: record prevention attempts: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: risk %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanRisk(row pgx.Row) (model.ConflictRisk, error) {
	var r model.ConflictRisk
	err := row.Scan(&r.ID, &r.SubjectID, &r.Level, &r.PredictedWindow.Start, &r.PredictedWindow.End,
		&r.PredictedType, &r.Probability, &r.ContributingFactors, &r.PreventionStrategies, &r.AttemptedStrategies,
		&r.EarlyWarningSent, &r.Prevented, &r.Source, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}
