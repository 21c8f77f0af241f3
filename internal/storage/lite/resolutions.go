package lite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/slotwarden/slotwarden/internal/model"
	"github.com/slotwarden/slotwarden/internal/storage"
)

const resolutionColumns = `id, conflict_id, subject_id, conflict_type, severity, status,
	created_at, updated_at, resolved_at, strategy_used, requires_human, intervention_reason,
	assigned_to, human_notes, resolution_success, resolution_time_seconds, automation_score,
	suggestions, escalation_due_at`

const actionColumns = `id, resolution_id, seq, action_type, description, performed_by, performed_at,
	parameters, result, success, content_hash`

// activeStatusSQL matches conflicts still being handled.
const activeStatusSQL = `('pending', 'manual_review', 'escalated')`

type scanner interface {
	Scan(dest ...any) error
}

// CreateResolution inserts a conflict event and its resolution atomically.
func (s *Store) CreateResolution(ctx context.Context, ev model.ConflictEvent, res model.ConflictResolution) (model.ConflictResolution, error) {
	sources, err := encodeJSON(ev.Sources)
	if err != nil {
		return model.ConflictResolution{}, err
	}
	if ev.Details == nil {
		ev.Details = map[string]any{}
	}
	details, err := encodeJSON(ev.Details)
	if err != nil {
		return model.ConflictResolution{}, err
	}
	if res.ID == uuid.Nil {
		res.ID = uuid.New()
	}
	res.ConflictID = ev.ID
	if res.Suggestions == nil {
		res.Suggestions = []model.ResolutionSuggestion{}
	}
	res.Actions = []model.ResolutionAction{}
	suggestions, err := encodeJSON(res.Suggestions)
	if err != nil {
		return model.ConflictResolution{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.ConflictResolution{}, fmt.Errorf("lite: begin create resolution tx: %w", err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conflict_events (id, conflict_type, severity, subject_id, starts_at, ends_at, sources, details, dedupe_key, detected_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		ev.ID, string(ev.Type), string(ev.Severity), ev.SubjectID, ns(ev.Window.Start), ns(ev.Window.End),
		sources, details, ev.DedupeKey, ns(ev.DetectedAt),
	); err != nil {
		return model.ConflictResolution{}, fmt.Errorf("lite: insert conflict event: %w", err)
	}

	var reason, strategy sql.NullString
	if res.InterventionReason != nil {
		reason = sql.NullString{String: string(*res.InterventionReason), Valid: true}
	}
	if res.StrategyUsed != nil {
		strategy = sql.NullString{String: *res.StrategyUsed, Valid: true}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conflict_resolutions (`+resolutionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.ID, res.ConflictID, res.SubjectID, string(res.ConflictType), string(res.Severity), string(res.Status),
		ns(res.CreatedAt), ns(res.UpdatedAt), nullNS(res.ResolvedAt), strategy, res.RequiresHuman, reason,
		res.AssignedTo, res.HumanNotes, res.ResolutionSuccess, res.ResolutionTimeSeconds, res.AutomationScore,
		suggestions, nullNS(res.EscalationDueAt),
	); err != nil {
		if isUniqueViolation(err) {
			return model.ConflictResolution{}, fmt.Errorf("lite: resolution for conflict %s: %w", ev.ID, storage.ErrConflict)
		}
		return model.ConflictResolution{}, fmt.Errorf("lite: insert resolution: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.ConflictResolution{}, fmt.Errorf("lite: commit create resolution tx: %w", err)
	}
	return res, nil
}

// GetResolution returns a resolution with its full action trail.
func (s *Store) GetResolution(ctx context.Context, id uuid.UUID) (model.ConflictResolution, error) {
	res, err := scanResolution(s.db.QueryRowContext(ctx,
		`SELECT `+resolutionColumns+` FROM conflict_resolutions WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ConflictResolution{}, fmt.Errorf("lite: resolution %s: %w", id, storage.ErrNotFound)
		}
		return model.ConflictResolution{}, fmt.Errorf("lite: get resolution: %w", err)
	}
	actions, err := s.ListActions(ctx, id)
	if err != nil {
		return model.ConflictResolution{}, err
	}
	res.Actions = actions
	return res, nil
}

// GetConflictEvent returns the detection record behind a resolution.
func (s *Store) GetConflictEvent(ctx context.Context, id uuid.UUID) (model.ConflictEvent, error) {
	var ev model.ConflictEvent
	var start, end, detected int64
	var sources, details string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, conflict_type, severity, subject_id, starts_at, ends_at, sources, details, dedupe_key, detected_at
		 FROM conflict_events WHERE id = ?`, id,
	).Scan(&ev.ID, &ev.Type, &ev.Severity, &ev.SubjectID, &start, &end, &sources, &details, &ev.DedupeKey, &detected)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ConflictEvent{}, fmt.Errorf("lite: conflict event %s: %w", id, storage.ErrNotFound)
		}
		return model.ConflictEvent{}, fmt.Errorf("lite: get conflict event: %w", err)
	}
	ev.Window = model.Window{Start: fromNS(start), End: fromNS(end)}
	ev.DetectedAt = fromNS(detected)
	if err := decodeJSON(sources, &ev.Sources); err != nil {
		return model.ConflictEvent{}, err
	}
	if err := decodeJSON(details, &ev.Details); err != nil {
		return model.ConflictEvent{}, err
	}
	return ev, nil
}

// ListActions returns a resolution's actions in append order.
func (s *Store) ListActions(ctx context.Context, resolutionID uuid.UUID) ([]model.ResolutionAction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+actionColumns+` FROM resolution_actions WHERE resolution_id = ? ORDER BY seq`, resolutionID)
	if err != nil {
		return nil, fmt.Errorf("lite: list actions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanActions(rows)
}

// ListActionsSince returns actions performed at or after since, oldest first.
func (s *Store) ListActionsSince(ctx context.Context, since time.Time, limit int) ([]model.ResolutionAction, error) {
	if limit <= 0 || limit > 10000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+actionColumns+` FROM resolution_actions WHERE performed_at >= ?
		 ORDER BY performed_at, seq LIMIT ?`, ns(since), limit)
	if err != nil {
		return nil, fmt.Errorf("lite: list actions since: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanActions(rows)
}

// AppendAction appends an action to a resolution regardless of its status.
func (s *Store) AppendAction(ctx context.Context, action model.ResolutionAction) (model.ResolutionAction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.ResolutionAction{}, fmt.Errorf("lite: begin append action tx: %w", err)
	}
	defer rollback(tx)

	tag, err := tx.ExecContext(ctx,
		`UPDATE conflict_resolutions SET updated_at = ? WHERE id = ?`, ns(action.PerformedAt), action.ResolutionID)
	if err != nil {
		return model.ResolutionAction{}, fmt.Errorf("lite: touch resolution: %w", err)
	}
	if n, _ := tag.RowsAffected(); n == 0 {
		return model.ResolutionAction{}, fmt.Errorf("lite: resolution %s: %w", action.ResolutionID, storage.ErrNotFound)
	}
	out, err := insertActionTx(ctx, tx, action)
	if err != nil {
		return model.ResolutionAction{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.ResolutionAction{}, fmt.Errorf("lite: commit append action tx: %w", err)
	}
	return out, nil
}

// Transition applies a guarded status change; see storage.DB.Transition.
func (s *Store) Transition(ctx context.Context, t model.Transition) (bool, error) {
	if len(t.From) == 0 {
		return false, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("lite: begin transition tx: %w", err)
	}
	defer rollback(tx)

	var createdAt int64
	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT status, created_at FROM conflict_resolutions WHERE id = ?`, t.ResolutionID,
	).Scan(&status, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("lite: read resolution status: %w", err)
	}
	allowed := false
	for _, f := range t.From {
		if string(f) == status {
			allowed = true
			break
		}
	}
	if !allowed {
		return false, nil
	}

	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(t.To), ns(t.At)}
	if t.To.Resolved() {
		elapsed := max(0, t.At.Sub(fromNS(createdAt)).Seconds())
		sets = append(sets, "resolved_at = ?", "resolution_time_seconds = ?")
		args = append(args, ns(t.At), elapsed)
	}
	if t.RequiresHuman != nil {
		sets = append(sets, "requires_human = ?")
		args = append(args, *t.RequiresHuman)
	}
	if t.InterventionReason != nil {
		sets = append(sets, "intervention_reason = ?")
		args = append(args, string(*t.InterventionReason))
	}
	if t.StrategyUsed != nil {
		sets = append(sets, "strategy_used = ?")
		args = append(args, *t.StrategyUsed)
	}
	if t.AssignedTo != nil {
		sets = append(sets, "assigned_to = ?")
		args = append(args, *t.AssignedTo)
	}
	if t.HumanNotes != nil {
		sets = append(sets, "human_notes = ?")
		args = append(args, *t.HumanNotes)
	}
	if t.Success != nil {
		sets = append(sets, "resolution_success = ?")
		args = append(args, *t.Success)
	}
	if t.EscalationDueAt != nil {
		sets = append(sets, "escalation_due_at = ?")
		args = append(args, ns(*t.EscalationDueAt))
	}
	args = append(args, t.ResolutionID, status)

	if _, err := tx.ExecContext(ctx,
		`UPDATE conflict_resolutions SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = ?`, args...,
	); err != nil {
		return false, fmt.Errorf("lite: transition resolution: %w", err)
	}
	if t.Action != nil {
		if _, err := insertActionTx(ctx, tx, *t.Action); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("lite: commit transition tx: %w", err)
	}
	return true, nil
}

// AssignResolution sets assigned_to on a resolution that is not yet resolved.
func (s *Store) AssignResolution(ctx context.Context, id uuid.UUID, assignee string, at time.Time) (bool, error) {
	tag, err := s.db.ExecContext(ctx,
		`UPDATE conflict_resolutions SET assigned_to = ?, updated_at = ?
		 WHERE id = ? AND status IN `+activeStatusSQL, assignee, ns(at), id)
	if err != nil {
		return false, fmt.Errorf("lite: assign resolution: %w", err)
	}
	if n, _ := tag.RowsAffected(); n > 0 {
		return true, nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM conflict_resolutions WHERE id = ?)`, id,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("lite: assign resolution: %w", err)
	}
	if !exists {
		return false, fmt.Errorf("lite: resolution %s: %w", id, storage.ErrNotFound)
	}
	return false, nil
}

// ListOpenResolutions returns PENDING and MANUAL_REVIEW resolutions, oldest first.
func (s *Store) ListOpenResolutions(ctx context.Context) ([]model.ConflictResolution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+resolutionColumns+` FROM conflict_resolutions
		 WHERE status IN ('pending', 'manual_review') ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("lite: list open resolutions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanResolutions(rows)
}

// ListResolutions returns resolutions matching the filter, newest first.
func (s *Store) ListResolutions(ctx context.Context, f model.ResolutionFilter) ([]model.ConflictResolution, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := max(f.Offset, 0)

	var where []string
	var args []any
	if f.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*f.Status))
	}
	if f.SubjectID != nil {
		where = append(where, "subject_id = ?")
		args = append(args, *f.SubjectID)
	}
	if f.RequiresHuman != nil {
		where = append(where, "requires_human = ?")
		args = append(args, *f.RequiresHuman)
	}
	q := `SELECT ` + resolutionColumns + ` FROM conflict_resolutions`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("lite: list resolutions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanResolutions(rows)
}

// ListResolutionsSince returns every resolution created at or after since.
func (s *Store) ListResolutionsSince(ctx context.Context, since time.Time) ([]model.ConflictResolution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+resolutionColumns+` FROM conflict_resolutions WHERE created_at >= ? ORDER BY created_at`, ns(since))
	if err != nil {
		return nil, fmt.Errorf("lite: list resolutions since: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanResolutions(rows)
}

// ConflictActive reports whether a conflict with this dedupe key is still being handled.
func (s *Store) ConflictActive(ctx context.Context, dedupeKey string) (bool, error) {
	var active bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(
		    SELECT 1 FROM conflict_events e
		    JOIN conflict_resolutions r ON r.conflict_id = e.id
		    WHERE e.dedupe_key = ? AND r.status IN `+activeStatusSQL+`)`, dedupeKey,
	).Scan(&active)
	if err != nil {
		return false, fmt.Errorf("lite: conflict active: %w", err)
	}
	return active, nil
}

// CountPriorResolutions counts resolutions for the same subject and type created at or after since.
func (s *Store) CountPriorResolutions(ctx context.Context, subjectID string, typ model.ConflictType, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM conflict_resolutions WHERE subject_id = ? AND conflict_type = ? AND created_at >= ?`,
		subjectID, string(typ), ns(since),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("lite: count prior resolutions: %w", err)
	}
	return n, nil
}

func insertActionTx(ctx context.Context, tx *sql.Tx, a model.ResolutionAction) (model.ResolutionAction, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Parameters == nil {
		a.Parameters = map[string]any{}
	}
	params, err := encodeJSON(a.Parameters)
	if err != nil {
		return model.ResolutionAction{}, err
	}
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM resolution_actions WHERE resolution_id = ?`, a.ResolutionID,
	).Scan(&a.Seq); err != nil {
		return model.ResolutionAction{}, fmt.Errorf("lite: next action seq: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO resolution_actions (`+actionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ResolutionID, a.Seq, a.ActionType, a.Description, a.PerformedBy,
		ns(a.PerformedAt), params, a.Result, a.Success, a.ContentHash,
	); err != nil {
		return model.ResolutionAction{}, fmt.Errorf("lite: insert action: %w", err)
	}
	return a, nil
}

func scanResolution(row scanner) (model.ConflictResolution, error) {
	var r model.ConflictResolution
	var created, updated int64
	var resolved, due sql.NullInt64
	var strategy, reason, assigned, notes sql.NullString
	var elapsed sql.NullFloat64
	var suggestions string
	err := row.Scan(
		&r.ID, &r.ConflictID, &r.SubjectID, &r.ConflictType, &r.Severity, &r.Status,
		&created, &updated, &resolved, &strategy, &r.RequiresHuman, &reason,
		&assigned, &notes, &r.ResolutionSuccess, &elapsed, &r.AutomationScore,
		&suggestions, &due,
	)
	if err != nil {
		return model.ConflictResolution{}, err
	}
	r.CreatedAt = fromNS(created)
	r.UpdatedAt = fromNS(updated)
	r.ResolvedAt = timePtr(resolved)
	r.EscalationDueAt = timePtr(due)
	r.StrategyUsed = stringPtr(strategy)
	r.AssignedTo = stringPtr(assigned)
	r.HumanNotes = stringPtr(notes)
	r.ResolutionTimeSeconds = floatPtr(elapsed)
	if reason.Valid {
		ir := model.InterventionReason(reason.String)
		r.InterventionReason = &ir
	}
	r.Suggestions = []model.ResolutionSuggestion{}
	if err := decodeJSON(suggestions, &r.Suggestions); err != nil {
		return model.ConflictResolution{}, err
	}
	r.Actions = []model.ResolutionAction{}
	return r, nil
}

func scanResolutions(rows *sql.Rows) ([]model.ConflictResolution, error) {
	var out []model.ConflictResolution
	for rows.Next() {
		r, err := scanResolution(rows)
		if err != nil {
			return nil, fmt.Errorf("lite: scan resolution: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lite: scan resolutions: %w", err)
	}
	return out, nil
}

func scanActions(rows *sql.Rows) ([]model.ResolutionAction, error) {
	out := []model.ResolutionAction{}
	for rows.Next() {
		var a model.ResolutionAction
		var performed int64
		var params string
		var result sql.NullString
		if err := rows.Scan(&a.ID, &a.ResolutionID, &a.Seq, &a.ActionType, &a.Description, &a.PerformedBy,
			&performed, &params, &result, &a.Success, &a.ContentHash); err != nil {
			return nil, fmt.Errorf("lite: scan action: %w", err)
		}
		a.PerformedAt = fromNS(performed)
		a.Result = stringPtr(result)
		if err := decodeJSON(params, &a.Parameters); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lite: scan actions: %w", err)
	}
	return out, nil
}
