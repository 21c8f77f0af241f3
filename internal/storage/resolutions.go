package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/slotwarden/slotwarden/internal/model"
)

// Transition retries on serialization failures and deadlocks.
const (
	transitionRetries   = 3
	transitionBaseDelay = 10 * time.Millisecond
)

const resolutionColumns = `id, conflict_id, subject_id, conflict_type, severity, status,
	created_at, updated_at, resolved_at, strategy_used, requires_human, intervention_reason,
	assigned_to, human_notes, resolution_success, resolution_time_seconds, automation_score,
	suggestions, escalation_due_at`

// activeStatuses are the statuses under which a conflict counts as still being handled.
var activeStatuses = []string{
	string(model.StatusPending), string(model.StatusManualReview), string(model.StatusEscalated),
}

// CreateResolution inserts a conflict event and its resolution atomically.
// Returns ErrConflict if the event already has a resolution.
func (db *DB) CreateResolution(ctx context.Context, ev model.ConflictEvent, res model.ConflictResolution) (model.ConflictResolution, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.ConflictResolution{}, fmt.Errorf("storage: begin create resolution tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if ev.Details == nil {
		ev.Details = map[string]any{}
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO conflict_events (id, conflict_type, severity, subject_id, starts_at, ends_at, sources, details, dedupe_key, detected_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO NOTHING`,
		ev.ID, string(ev.Type), string(ev.Severity), ev.SubjectID, ev.Window.Start, ev.Window.End,
		ev.Sources, ev.Details, ev.DedupeKey, ev.DetectedAt,
	); err != nil {
		return model.ConflictResolution{}, fmt.Errorf("storage: insert conflict event: %w", err)
	}

	if res.ID == uuid.Nil {
		res.ID = uuid.New()
	}
	res.ConflictID = ev.ID
	if res.Suggestions == nil {
		res.Suggestions = []model.ResolutionSuggestion{}
	}
	res.Actions = []model.ResolutionAction{}

	if _, err := tx.Exec(ctx,
		`INSERT INTO conflict_resolutions (`+resolutionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		res.ID, res.ConflictID, res.SubjectID, string(res.ConflictType), string(res.Severity), string(res.Status),
		res.CreatedAt, res.UpdatedAt, res.ResolvedAt, res.StrategyUsed, res.RequiresHuman, reasonPtr(res.InterventionReason),
		res.AssignedTo, res.HumanNotes, res.ResolutionSuccess, res.ResolutionTimeSeconds, res.AutomationScore,
		res.Suggestions, res.EscalationDueAt,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return model.ConflictResolution{}, fmt.Errorf("storage: resolution for conflict %s: %w", ev.ID, ErrConflict)
		}
		return model.ConflictResolution{}, fmt.Errorf("storage: insert resolution: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.ConflictResolution{}, fmt.Errorf("storage: commit create resolution tx: %w", err)
	}
	return res, nil
}

// GetResolution returns a resolution with its full action trail.
func (db *DB) GetResolution(ctx context.Context, id uuid.UUID) (model.ConflictResolution, error) {
	res, err := scanResolution(db.pool.QueryRow(ctx,
		`SELECT `+resolutionColumns+` FROM conflict_resolutions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ConflictResolution{}, fmt.Errorf("storage: resolution %s: %w", id, ErrNotFound)
		}
		return model.ConflictResolution{}, fmt.Errorf("storage: get resolution: %w", err)
	}
	actions, err := db.ListActions(ctx, id)
	if err != nil {
		return model.ConflictResolution{}, err
	}
	res.Actions = actions
	return res, nil
}

// GetConflictEvent returns the detection record behind a resolution.
func (db *DB) GetConflictEvent(ctx context.Context, id uuid.UUID) (model.ConflictEvent, error) {
	var ev model.ConflictEvent
	err := db.pool.QueryRow(ctx,
		`SELECT id, conflict_type, severity, subject_id, starts_at, ends_at, sources, details, dedupe_key, detected_at
		 FROM conflict_events WHERE id = $1`, id,
	).Scan(&ev.ID, &ev.Type, &ev.Severity, &ev.SubjectID, &ev.Window.Start, &ev.Window.End,
		&ev.Sources, &ev.Details, &ev.DedupeKey, &ev.DetectedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ConflictEvent{}, fmt.Errorf("storage: conflict event %s: %w", id, ErrNotFound)
		}
		return model.ConflictEvent{}, fmt.Errorf("storage: get conflict event: %w", err)
	}
	return ev, nil
}

// ListActions returns a resolution's actions in append order.
func (db *DB) ListActions(ctx context.Context, resolutionID uuid.UUID) ([]model.ResolutionAction, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, resolution_id, seq, action_type, description, performed_by, performed_at,
		        parameters, result, success, content_hash
		 FROM resolution_actions WHERE resolution_id = $1 ORDER BY seq`, resolutionID)
	if err != nil {
		return nil, fmt.Errorf("storage: list actions: %w", err)
	}
	defer rows.Close()
	return scanActions(rows)
}

// ListActionsSince returns actions performed at or after since, oldest first.
func (db *DB) ListActionsSince(ctx context.Context, since time.Time, limit int) ([]model.ResolutionAction, error) {
	if limit <= 0 || limit > 10000 {
		limit = 1000
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, resolution_id, seq, action_type, description, performed_by, performed_at,
		        parameters, result, success, content_hash
		 FROM resolution_actions WHERE performed_at >= $1 ORDER BY performed_at, seq LIMIT $2`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list actions since: %w", err)
	}
	defer rows.Close()
	return scanActions(rows)
}

// AppendAction appends an action to a resolution regardless of its status.
// The store assigns Seq.
func (db *DB) AppendAction(ctx context.Context, action model.ResolutionAction) (model.ResolutionAction, error) {
	var out model.ResolutionAction
	err := WithRetry(ctx, transitionRetries, transitionBaseDelay, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin append action tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		var one int
		if err := tx.QueryRow(ctx,
			`SELECT 1 FROM conflict_resolutions WHERE id = $1 FOR UPDATE`, action.ResolutionID,
		).Scan(&one); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("storage: resolution %s: %w", action.ResolutionID, ErrNotFound)
			}
			return fmt.Errorf("storage: lock resolution: %w", err)
		}
		if out, err = insertActionTx(ctx, tx, action); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE conflict_resolutions SET updated_at = $2 WHERE id = $1`, action.ResolutionID, out.PerformedAt,
		); err != nil {
			return fmt.Errorf("storage: touch resolution: %w", err)
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return model.ResolutionAction{}, err
	}
	return out, nil
}

// Transition applies a guarded status change. The update and the optional
// action are written in one transaction, and only if the current status is
// one of t.From. A false result means a concurrent writer won.
func (db *DB) Transition(ctx context.Context, t model.Transition) (bool, error) {
	from := make([]string, len(t.From))
	for i, s := range t.From {
		from[i] = string(s)
	}
	var applied bool
	err := WithRetry(ctx, transitionRetries, transitionBaseDelay, func() error {
		applied = false
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		tag, err := tx.Exec(ctx,
			`UPDATE conflict_resolutions SET
			    status = $3,
			    updated_at = $4,
			    resolved_at = CASE WHEN $5::boolean THEN $4 ELSE resolved_at END,
			    resolution_time_seconds = CASE WHEN $5::boolean
			        THEN GREATEST(0, EXTRACT(EPOCH FROM ($4::timestamptz - created_at)))::double precision
			        ELSE resolution_time_seconds END,
			    requires_human = COALESCE($6, requires_human),
			    intervention_reason = COALESCE($7, intervention_reason),
			    strategy_used = COALESCE($8, strategy_used),
			    assigned_to = COALESCE($9, assigned_to),
			    human_notes = COALESCE($10, human_notes),
			    resolution_success = COALESCE($11, resolution_success),
			    escalation_due_at = COALESCE($12, escalation_due_at)
			 WHERE id = $1 AND status = ANY($2)`,
			t.ResolutionID, from, string(t.To), t.At, t.To.Resolved(),
			t.RequiresHuman, reasonPtr(t.InterventionReason), t.StrategyUsed, t.AssignedTo,
			t.HumanNotes, t.Success, t.EscalationDueAt,
		)
		if err != nil {
			return fmt.Errorf("storage: transition resolution: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		if t.Action != nil {
			if _, err := insertActionTx(ctx, tx, *t.Action); err != nil {
				return err
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit transition tx: %w", err)
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// AssignResolution sets assigned_to on a resolution that is not yet resolved.
// Returns false if the resolution already reached a resolved status.
func (db *DB) AssignResolution(ctx context.Context, id uuid.UUID, assignee string, at time.Time) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE conflict_resolutions SET assigned_to = $2, updated_at = $3
		 WHERE id = $1 AND status = ANY($4)`, id, assignee, at, activeStatuses)
	if err != nil {
		return false, fmt.Errorf("storage: assign resolution: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	var exists bool
	if err := db.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM conflict_resolutions WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("storage: assign resolution: %w", err)
	}
	if !exists {
		return false, fmt.Errorf("storage: resolution %s: %w", id, ErrNotFound)
	}
	return false, nil
}

// ListOpenResolutions returns PENDING and MANUAL_REVIEW resolutions, oldest first.
func (db *DB) ListOpenResolutions(ctx context.Context) ([]model.ConflictResolution, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+resolutionColumns+` FROM conflict_resolutions
		 WHERE status IN ('pending', 'manual_review') ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("storage: list open resolutions: %w", err)
	}
	defer rows.Close()
	return scanResolutions(rows)
}

// ListResolutions returns resolutions matching the filter, newest first.
// Actions are not loaded. limit is clamped to [1, 1000] with a default of 100.
func (db *DB) ListResolutions(ctx context.Context, f model.ResolutionFilter) ([]model.ConflictResolution, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := max(f.Offset, 0)

	var status *string
	if f.Status != nil {
		s := string(*f.Status)
		status = &s
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+resolutionColumns+` FROM conflict_resolutions
		 WHERE ($1::text IS NULL OR status = $1)
		   AND ($2::text IS NULL OR subject_id = $2)
		   AND ($3::boolean IS NULL OR requires_human = $3)
		 ORDER BY created_at DESC, id
		 LIMIT $4 OFFSET $5`,
		status, f.SubjectID, f.RequiresHuman, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("storage: list resolutions: %w", err)
	}
	defer rows.Close()
	return scanResolutions(rows)
}

// ListResolutionsSince returns every resolution created at or after since.
func (db *DB) ListResolutionsSince(ctx context.Context, since time.Time) ([]model.ConflictResolution, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+resolutionColumns+` FROM conflict_resolutions
		 WHERE created_at >= $1 ORDER BY created_at`, since)
	if err != nil {
		return nil, fmt.Errorf("storage: list resolutions since: %w", err)
	}
	defer rows.Close()
	return scanResolutions(rows)
}

// ConflictActive reports whether a conflict with this dedupe key is still
// being handled (pending, in manual review or escalated).
func (db *DB) ConflictActive(ctx context.Context, dedupeKey string) (bool, error) {
	var active bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS(
		    SELECT 1 FROM conflict_events e
		    JOIN conflict_resolutions r ON r.conflict_id = e.id
		    WHERE e.dedupe_key = $1 AND r.status = ANY($2))`, dedupeKey, activeStatuses,
	).Scan(&active)
	if err != nil {
		return false, fmt.Errorf("storage: conflict active: %w", err)
	}
	return active, nil
}

// CountPriorResolutions counts resolutions for the same subject and conflict
// type created at or after since.
func (db *DB) CountPriorResolutions(ctx context.Context, subjectID string, typ model.ConflictType, since time.Time) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM conflict_resolutions
		 WHERE subject_id = $1 AND conflict_type = $2 AND created_at >= $3`,
		subjectID, string(typ), since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count prior resolutions: %w", err)
	}
	return n, nil
}

func insertActionTx(ctx context.Context, tx pgx.Tx, a model.ResolutionAction) (model.ResolutionAction, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Parameters == nil {
		a.Parameters = map[string]any{}
	}
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM resolution_actions WHERE resolution_id = $1`, a.ResolutionID,
	).Scan(&a.Seq); err != nil {
		return model.ResolutionAction{}, fmt.Errorf("storage: next action seq: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO resolution_actions (id, resolution_id, seq, action_type, description, performed_by,
		    performed_at, parameters, result, success, content_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID, a.ResolutionID, a.Seq, a.ActionType, a.Description, a.PerformedBy,
		a.PerformedAt, a.Parameters, a.Result, a.Success, a.ContentHash,
	); err != nil {
		return model.ResolutionAction{}, fmt.Errorf("storage: insert action: %w", err)
	}
	return a, nil
}

func scanResolution(row pgx.Row) (model.ConflictResolution, error) {
	var r model.ConflictResolution
	var reason *string
	err := row.Scan(
		&r.ID, &r.ConflictID, &r.SubjectID, &r.ConflictType, &r.Severity, &r.Status,
		&r.CreatedAt, &r.UpdatedAt, &r.ResolvedAt, &r.StrategyUsed, &r.RequiresHuman, &reason,
		&r.AssignedTo, &r.HumanNotes, &r.ResolutionSuccess, &r.ResolutionTimeSeconds, &r.AutomationScore,
		&r.Suggestions, &r.EscalationDueAt,
	)
	if err != nil {
		return model.ConflictResolution{}, err
	}
	if reason != nil {
		ir := model.InterventionReason(*reason)
		r.InterventionReason = &ir
	}
	if r.Suggestions == nil {
		r.Suggestions = []model.ResolutionSuggestion{}
	}
	r.Actions = []model.ResolutionAction{}
	return r, nil
}

func scanResolutions(rows pgx.Rows) ([]model.ConflictResolution, error) {
	var out []model.ConflictResolution
	for rows.Next() {
		r, err := scanResolution(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan resolution: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: scan resolutions: %w", err)
	}
	return out, nil
}

func scanActions(rows pgx.Rows) ([]model.ResolutionAction, error) {
	out := []model.ResolutionAction{}
	for rows.Next() {
		var a model.ResolutionAction
		if err := rows.Scan(&a.ID, &a.ResolutionID, &a.Seq, &a.ActionType, &a.Description, &a.PerformedBy,
			&a.PerformedAt, &a.Parameters, &a.Result, &a.Success, &a.ContentHash); err != nil {
			return nil, fmt.Errorf("storage: scan action: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: scan actions: %w", err)
	}
	return out, nil
}

func reasonPtr(r *model.InterventionReason) *string {
	if r == nil {
		return nil
	}
	s := string(*r)
	return &s
}
