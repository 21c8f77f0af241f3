package lite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/slotwarden/slotwarden/internal/model"
	"github.com/slotwarden/slotwarden/internal/storage"
)

const riskColumns = `id, subject_id, risk_level, starts_at, ends_at, predicted_type, probability,
	factors, strategies, attempted_strategies, early_warning_sent, prevented, source, created_at, updated_at`

// CreateRisk persists a prediction.
func (s *Store) CreateRisk(ctx context.Context, r model.ConflictRisk) (model.ConflictRisk, error) {
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
	factors, err := encodeJSON(r.ContributingFactors)
	if err != nil {
		return model.ConflictRisk{}, err
	}
	strategies, err := encodeJSON(r.PreventionStrategies)
	if err != nil {
		return model.ConflictRisk{}, err
	}
	attempted, err := encodeJSON(r.AttemptedStrategies)
	if err != nil {
		return model.ConflictRisk{}, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conflict_risks (`+riskColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SubjectID, string(r.Level), ns(r.PredictedWindow.Start), ns(r.PredictedWindow.End),
		string(r.PredictedType), r.Probability, factors, strategies, attempted,
		r.EarlyWarningSent, r.Prevented, r.Source, ns(r.CreatedAt), ns(r.UpdatedAt),
	)
	if err != nil {
		return model.ConflictRisk{}, fmt.Errorf("lite: create risk: %w", err)
	}
	return r, nil
}

// GetRisk returns one risk.
func (s *Store) GetRisk(ctx context.Context, id uuid.UUID) (model.ConflictRisk, error) {
	r, err := scanRisk(s.db.QueryRowContext(ctx, `SELECT `+riskColumns+` FROM conflict_risks WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ConflictRisk{}, fmt.Errorf("lite: risk %s: %w", id, storage.ErrNotFound)
		}
		return model.ConflictRisk{}, fmt.Errorf("lite: get risk: %w", err)
	}
	return r, nil
}

// FindRisk returns the most recent risk predicted for exactly this subject and window.
func (s *Store) FindRisk(ctx context.Context, subjectID string, w model.Window) (model.ConflictRisk, error) {
	r, err := scanRisk(s.db.QueryRowContext(ctx,
		`SELECT `+riskColumns+` FROM conflict_risks
		 WHERE subject_id = ? AND starts_at = ? AND ends_at = ?
		 ORDER BY created_at DESC LIMIT 1`, subjectID, ns(w.Start), ns(w.End)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ConflictRisk{}, fmt.Errorf("lite: risk for %s: %w", subjectID, storage.ErrNotFound)
		}
		return model.ConflictRisk{}, fmt.Errorf("lite: find risk: %w", err)
	}
	return r, nil
}

// MarkEarlyWarningSent latches early_warning_sent. Returns true only for the
// call that flipped it.
func (s *Store) MarkEarlyWarningSent(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conflict_risks SET early_warning_sent = 1, updated_at = ?
		 WHERE id = ? AND early_warning_sent = 0`, ns(at), id)
	if err != nil {
		return false, fmt.Errorf("lite: mark early warning: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkPrevented sets prevented on a risk.
func (s *Store) MarkPrevented(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conflict_risks SET prevented = 1, updated_at = ? WHERE id = ?`, ns(at), id)
	if err != nil {
		return fmt.Errorf("lite: mark prevented: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("lite: risk %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// RecordPreventionAttempts appends the strategies not yet recorded as run
// against a risk, keeping first-run order.
func (s *Store) RecordPreventionAttempts(ctx context.Context, id uuid.UUID, strategies []string, at time.Time) error {
	if len(strategies) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("lite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	if err := tx.QueryRowContext(ctx, `SELECT attempted_strategies FROM conflict_risks WHERE id = ?`, id).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lite: risk %s: %w", id, storage.ErrNotFound)
		}
		return fmt.Errorf("lite: read prevention attempts: %w", err)
	}
	var attempted []string
	if err := decodeJSON(raw, &attempted); err != nil {
		return err
	}
	for _, name := range strategies {
		if !slices.Contains(attempted, name) {
			attempted = append(attempted, name)
		}
	}
	encoded, err := encodeJSON(attempted)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conflict_risks SET attempted_strategies = ?, updated_at = ? WHERE id = ?`,
		encoded, ns(at), id); err != nil {
		return fmt.Errorf("lite: record prevention attempts: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("lite: commit prevention attempts: %w", err)
	}
	return nil
}

func scanRisk(row scanner) (model.ConflictRisk, error) {
	var r model.ConflictRisk
	var start, end, created, updated int64
	var factors, strategies, attempted string
	err := row.Scan(&r.ID, &r.SubjectID, &r.Level, &start, &end,
		&r.PredictedType, &r.Probability, &factors, &strategies, &attempted,
		&r.EarlyWarningSent, &r.Prevented, &r.Source, &created, &updated)
	if err != nil {
		return model.ConflictRisk{}, err
	}
	r.PredictedWindow = model.Window{Start: fromNS(start), End: fromNS(end)}
	r.CreatedAt = fromNS(created)
	r.UpdatedAt = fromNS(updated)
	if err := decodeJSON(factors, &r.ContributingFactors); err != nil {
		return model.ConflictRisk{}, err
	}
	if err := decodeJSON(strategies, &r.PreventionStrategies); err != nil {
		return model.ConflictRisk{}, err
	}
	if err := decodeJSON(attempted, &r.AttemptedStrategies); err != nil {
		return model.ConflictRisk{}, err
	}
	return r, nil
}
