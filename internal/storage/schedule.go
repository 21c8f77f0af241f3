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

// UpsertSubject creates or replaces a subject profile.
func (db *DB) UpsertSubject(ctx context.Context, p model.SubjectProfile) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.Preferences == nil {
		p.Preferences = map[string]any{}
	}
	if p.Policies == nil {
		p.Policies = map[string]bool{}
	}
	if p.LinkedCalendars == nil {
		p.LinkedCalendars = []string{}
	}
	if p.Timezone == "" {
		p.Timezone = "UTC"
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO subjects (subject_id, name, timezone, preferences, policies, linked_calendars, tracked, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (subject_id) DO UPDATE SET
		    name = EXCLUDED.name, timezone = EXCLUDED.timezone, preferences = EXCLUDED.preferences,
		    policies = EXCLUDED.policies, linked_calendars = EXCLUDED.linked_calendars, tracked = EXCLUDED.tracked`,
		p.SubjectID, p.Name, p.Timezone, p.Preferences, p.Policies, p.LinkedCalendars, p.Tracked, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert subject: %w", err)
	}
	return nil
}

// GetSubjectProfile returns a subject's profile.
func (db *DB) GetSubjectProfile(ctx context.Context, subjectID string) (model.SubjectProfile, error) {
	var p model.SubjectProfile
	err := db.pool.QueryRow(ctx,
		`SELECT subject_id, name, timezone, preferences, policies, linked_calendars, tracked, created_at
		 FROM subjects WHERE subject_id = $1`, subjectID,
	).Scan(&p.SubjectID, &p.Name, &p.Timezone, &p.Preferences, &p.Policies, &p.LinkedCalendars, &p.Tracked, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.SubjectProfile{}, fmt.Errorf("storage: subject %s: %w", subjectID, ErrNotFound)
		}
		return model.SubjectProfile{}, fmt.Errorf("storage: get subject: %w", err)
	}
	return p, nil
}

// ListTrackedSubjects returns the ids of subjects swept by background loops.
func (db *DB) ListTrackedSubjects(ctx context.Context) ([]string, error) {
	rows, err := db.pool.Query(ctx, `SELECT subject_id FROM subjects WHERE tracked ORDER BY subject_id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list tracked subjects: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan subject: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// UpsertPatient creates or replaces a patient's attendance history.
func (db *DB) UpsertPatient(ctx context.Context, h model.PatientHistory) error {
	if h.UpdatedAt.IsZero() {
		h.UpdatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO patients (patient_id, total_appointments, no_shows, cancellations, vip, sentiment, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (patient_id) DO UPDATE SET
		    total_appointments = EXCLUDED.total_appointments, no_shows = EXCLUDED.no_shows,
		    cancellations = EXCLUDED.cancellations, vip = EXCLUDED.vip,
		    sentiment = EXCLUDED.sentiment, updated_at = EXCLUDED.updated_at`,
		h.PatientID, h.TotalAppointments, h.NoShows, h.Cancellations, h.VIP, h.Sentiment, h.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert patient: %w", err)
	}
	return nil
}

// GetPatientHistory returns a patient's attendance history.
func (db *DB) GetPatientHistory(ctx context.Context, patientID string) (model.PatientHistory, error) {
	var h model.PatientHistory
	err := db.pool.QueryRow(ctx,
		`SELECT patient_id, total_appointments, no_shows, cancellations, vip, sentiment, updated_at
		 FROM patients WHERE patient_id = $1`, patientID,
	).Scan(&h.PatientID, &h.TotalAppointments, &h.NoShows, &h.Cancellations, &h.VIP, &h.Sentiment, &h.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PatientHistory{}, fmt.Errorf("storage: patient %s: %w", patientID, ErrNotFound)
		}
		return model.PatientHistory{}, fmt.Errorf("storage: get patient: %w", err)
	}
	return h, nil
}

// CreateAppointment inserts an internal booking.
func (db *DB) CreateAppointment(ctx context.Context, a model.Appointment) (model.Appointment, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}
	if a.Status == "" {
		a.Status = model.AppointmentBooked
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO appointments (id, subject_id, patient_id, starts_at, ends_at, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.SubjectID, a.PatientID, a.Window.Start, a.Window.End, string(a.Status), a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return model.Appointment{}, fmt.Errorf("storage: create appointment: %w", err)
	}
	return a, nil
}

// GetAppointment returns one appointment.
func (db *DB) GetAppointment(ctx context.Context, id uuid.UUID) (model.Appointment, error) {
	var a model.Appointment
	err := db.pool.QueryRow(ctx,
		`SELECT id, subject_id, patient_id, starts_at, ends_at, status, created_at, updated_at
		 FROM appointments WHERE id = $1`, id,
	).Scan(&a.ID, &a.SubjectID, &a.PatientID, &a.Window.Start, &a.Window.End, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Appointment{}, fmt.Errorf("storage: appointment %s: %w", id, ErrNotFound)
		}
		return model.Appointment{}, fmt.Errorf("storage: get appointment: %w", err)
	}
	return a, nil
}

// ListAppointments returns every appointment overlapping the window,
// cancelled ones included, ordered by start.
func (db *DB) ListAppointments(ctx context.Context, subjectID string, w model.Window) ([]model.Appointment, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, subject_id, patient_id, starts_at, ends_at, status, created_at, updated_at
		 FROM appointments
		 WHERE subject_id = $1 AND starts_at < $3 AND ends_at > $2
		 ORDER BY starts_at, id`, subjectID, w.Start, w.End)
	if err != nil {
		return nil, fmt.Errorf("storage: list appointments: %w", err)
	}
	defer rows.Close()
	var out []model.Appointment
	for rows.Next() {
		var a model.Appointment
		if err := rows.Scan(&a.ID, &a.SubjectID, &a.PatientID, &a.Window.Start, &a.Window.End,
			&a.Status, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan appointment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountAppointments counts active appointments overlapping the window.
func (db *DB) CountAppointments(ctx context.Context, subjectID string, w model.Window) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM appointments
		 WHERE subject_id = $1 AND starts_at < $3 AND ends_at > $2 AND status IN ('booked', 'confirmed')`,
		subjectID, w.Start, w.End,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count appointments: %w", err)
	}
	return n, nil
}

// CancelAppointment marks an appointment cancelled.
func (db *DB) CancelAppointment(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE appointments SET status = 'cancelled', updated_at = $2
		 WHERE id = $1 AND status IN ('booked', 'confirmed')`, id, at)
	if err != nil {
		return fmt.Errorf("storage: cancel appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: active appointment %s: %w", id, ErrNotFound)
	}
	return nil
}

// MoveAppointment moves an active appointment to a new window.
func (db *DB) MoveAppointment(ctx context.Context, id uuid.UUID, w model.Window, at time.Time) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE appointments SET starts_at = $2, ends_at = $3, updated_at = $4
		 WHERE id = $1 AND status IN ('booked', 'confirmed')`, id, w.Start, w.End, at)
	if err != nil {
		return fmt.Errorf("storage: move appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: active appointment %s: %w", id, ErrNotFound)
	}
	return nil
}

// CreateHold inserts a temporary reservation.
func (db *DB) CreateHold(ctx context.Context, h model.Hold) (model.Hold, error) {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	if h.Status == "" {
		h.Status = model.HoldActive
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO holds (id, subject_id, patient_id, starts_at, ends_at, expires_at, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		h.ID, h.SubjectID, h.PatientID, h.Window.Start, h.Window.End, h.ExpiresAt, string(h.Status), h.CreatedAt,
	)
	if err != nil {
		return model.Hold{}, fmt.Errorf("storage: create hold: %w", err)
	}
	return h, nil
}

// ListHolds returns active holds overlapping the window, ordered by start.
func (db *DB) ListHolds(ctx context.Context, subjectID string, w model.Window) ([]model.Hold, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, subject_id, patient_id, starts_at, ends_at, expires_at, status, created_at
		 FROM holds
		 WHERE subject_id = $1 AND starts_at < $3 AND ends_at > $2 AND status = 'active'
		 ORDER BY starts_at, id`, subjectID, w.Start, w.End)
	if err != nil {
		return nil, fmt.Errorf("storage: list holds: %w", err)
	}
	defer rows.Close()
	var out []model.Hold
	for rows.Next() {
		var h model.Hold
		if err := rows.Scan(&h.ID, &h.SubjectID, &h.PatientID, &h.Window.Start, &h.Window.End,
			&h.ExpiresAt, &h.Status, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan hold: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// ConfirmHold converts an active hold into a booked appointment atomically.
func (db *DB) ConfirmHold(ctx context.Context, holdID uuid.UUID, at time.Time) (model.Appointment, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Appointment{}, fmt.Errorf("storage: begin confirm hold tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	a := model.Appointment{ID: uuid.New(), Status: model.AppointmentBooked, CreatedAt: at, UpdatedAt: at}
	err = tx.QueryRow(ctx,
		`UPDATE holds SET status = 'confirmed'
		 WHERE id = $1 AND status = 'active'
		 RETURNING subject_id, patient_id, starts_at, ends_at`, holdID,
	).Scan(&a.SubjectID, &a.PatientID, &a.Window.Start, &a.Window.End)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Appointment{}, fmt.Errorf("storage: active hold %s: %w", holdID, ErrNotFound)
		}
		return model.Appointment{}, fmt.Errorf("storage: confirm hold: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO appointments (id, subject_id, patient_id, starts_at, ends_at, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.SubjectID, a.PatientID, a.Window.Start, a.Window.End, string(a.Status), a.CreatedAt, a.UpdatedAt,
	); err != nil {
		return model.Appointment{}, fmt.Errorf("storage: insert confirmed appointment: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Appointment{}, fmt.Errorf("storage: commit confirm hold tx: %w", err)
	}
	return a, nil
}

// ReleaseHold releases an active hold.
func (db *DB) ReleaseHold(ctx context.Context, holdID uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE holds SET status = 'released' WHERE id = $1 AND status = 'active'`, holdID)
	if err != nil {
		return fmt.Errorf("storage: release hold: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: active hold %s: %w", holdID, ErrNotFound)
	}
	return nil
}

// ExtendHold pushes an active hold's expiry out by d.
func (db *DB) ExtendHold(ctx context.Context, holdID uuid.UUID, d time.Duration) (model.Hold, error) {
	var h model.Hold
	err := db.pool.QueryRow(ctx,
		`UPDATE holds SET expires_at = expires_at + make_interval(secs => $2)
		 WHERE id = $1 AND status = 'active'
		 RETURNING id, subject_id, patient_id, starts_at, ends_at, expires_at, status, created_at`,
		holdID, d.Seconds(),
	).Scan(&h.ID, &h.SubjectID, &h.PatientID, &h.Window.Start, &h.Window.End, &h.ExpiresAt, &h.Status, &h.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Hold{}, fmt.Errorf("storage: active hold %s: %w", holdID, ErrNotFound)
		}
		return model.Hold{}, fmt.Errorf("storage: extend hold: %w", err)
	}
	return h, nil
}

// BlockSlot reserves a window so nothing else can be booked into it.
func (db *DB) BlockSlot(ctx context.Context, b model.ScheduleBlock) (model.ScheduleBlock, error) {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO schedule_blocks (id, subject_id, starts_at, ends_at, reason, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		b.ID, b.SubjectID, b.Window.Start, b.Window.End, b.Reason, b.CreatedBy, b.CreatedAt,
	)
	if err != nil {
		return model.ScheduleBlock{}, fmt.Errorf("storage: block slot: %w", err)
	}
	return b, nil
}

// NextAvailableSlot returns the earliest free window of length d at or after
// from, within horizon. Active appointments, active holds and schedule blocks
// all count as busy.
func (db *DB) NextAvailableSlot(ctx context.Context, subjectID string, from time.Time, d, horizon time.Duration) (model.Window, error) {
	end := from.Add(horizon)
	rows, err := db.pool.Query(ctx,
		`SELECT starts_at, ends_at FROM appointments
		    WHERE subject_id = $1 AND starts_at < $3 AND ends_at > $2 AND status IN ('booked', 'confirmed')
		 UNION ALL
		 SELECT starts_at, ends_at FROM holds
		    WHERE subject_id = $1 AND starts_at < $3 AND ends_at > $2 AND status = 'active'
		 UNION ALL
		 SELECT starts_at, ends_at FROM schedule_blocks
		    WHERE subject_id = $1 AND starts_at < $3 AND ends_at > $2`,
		subjectID, from, end)
	if err != nil {
		return model.Window{}, fmt.Errorf("storage: next available slot: %w", err)
	}
	defer rows.Close()
	var busy []model.Window
	for rows.Next() {
		var w model.Window
		if err := rows.Scan(&w.Start, &w.End); err != nil {
			return model.Window{}, fmt.Errorf("storage: scan busy window: %w", err)
		}
		busy = append(busy, w)
	}
	if err := rows.Err(); err != nil {
		return model.Window{}, fmt.Errorf("storage: next available slot: %w", err)
	}
	slot, ok := model.FirstFreeSlot(busy, from, d, model.SlotStep, horizon)
	if !ok {
		return model.Window{}, fmt.Errorf("storage: free slot for %s: %w", subjectID, ErrNotFound)
	}
	return slot, nil
}

// RecordExternalChange stores a calendar-change notification.
func (db *DB) RecordExternalChange(ctx context.Context, c model.ExternalChange) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.ReceivedAt.IsZero() {
		c.ReceivedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO external_changes (id, subject_id, provider, starts_at, ends_at, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.SubjectID, c.Provider, c.Window.Start, c.Window.End, c.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: record external change: %w", err)
	}
	return nil
}

// CountExternalChanges counts change notifications for a subject received at or after since.
func (db *DB) CountExternalChanges(ctx context.Context, subjectID string, since time.Time) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM external_changes WHERE subject_id = $1 AND received_at >= $2`,
		subjectID, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count external changes: %w", err)
	}
	return n, nil
}
