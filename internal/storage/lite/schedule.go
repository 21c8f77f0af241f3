package lite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/slotwarden/slotwarden/internal/model"
	"github.com/slotwarden/slotwarden/internal/storage"
)

// UpsertSubject creates or replaces a subject profile.
func (s *Store) UpsertSubject(ctx context.Context, p model.SubjectProfile) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.Timezone == "" {
		p.Timezone = "UTC"
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
	prefs, err := encodeJSON(p.Preferences)
	if err != nil {
		return err
	}
	policies, err := encodeJSON(p.Policies)
	if err != nil {
		return err
	}
	linked, err := encodeJSON(p.LinkedCalendars)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO subjects (subject_id, name, timezone, preferences, policies, linked_calendars, tracked, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (subject_id) DO UPDATE SET
		    name = excluded.name, timezone = excluded.timezone, preferences = excluded.preferences,
		    policies = excluded.policies, linked_calendars = excluded.linked_calendars, tracked = excluded.tracked`,
		p.SubjectID, p.Name, p.Timezone, prefs, policies, linked, p.Tracked, ns(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("lite: upsert subject: %w", err)
	}
	return nil
}

// GetSubjectProfile returns a subject's profile.
func (s *Store) GetSubjectProfile(ctx context.Context, subjectID string) (model.SubjectProfile, error) {
	var p model.SubjectProfile
	var prefs, policies, linked string
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT subject_id, name, timezone, preferences, policies, linked_calendars, tracked, created_at
		 FROM subjects WHERE subject_id = ?`, subjectID,
	).Scan(&p.SubjectID, &p.Name, &p.Timezone, &prefs, &policies, &linked, &p.Tracked, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.SubjectProfile{}, fmt.Errorf("lite: subject %s: %w", subjectID, storage.ErrNotFound)
		}
		return model.SubjectProfile{}, fmt.Errorf("lite: get subject: %w", err)
	}
	p.CreatedAt = fromNS(created)
	if err := decodeJSON(prefs, &p.Preferences); err != nil {
		return model.SubjectProfile{}, err
	}
	if err := decodeJSON(policies, &p.Policies); err != nil {
		return model.SubjectProfile{}, err
	}
	if err := decodeJSON(linked, &p.LinkedCalendars); err != nil {
		return model.SubjectProfile{}, err
	}
	return p, nil
}

// ListTrackedSubjects returns the ids of subjects swept by background loops.
func (s *Store) ListTrackedSubjects(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT subject_id FROM subjects WHERE tracked = 1 ORDER BY subject_id`)
	if err != nil {
		return nil, fmt.Errorf("lite: list tracked subjects: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("lite: scan subject: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// UpsertPatient creates or replaces a patient's attendance history.
func (s *Store) UpsertPatient(ctx context.Context, h model.PatientHistory) error {
	if h.UpdatedAt.IsZero() {
		h.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO patients (patient_id, total_appointments, no_shows, cancellations, vip, sentiment, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (patient_id) DO UPDATE SET
		    total_appointments = excluded.total_appointments, no_shows = excluded.no_shows,
		    cancellations = excluded.cancellations, vip = excluded.vip,
		    sentiment = excluded.sentiment, updated_at = excluded.updated_at`,
		h.PatientID, h.TotalAppointments, h.NoShows, h.Cancellations, h.VIP, h.Sentiment, ns(h.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("lite: upsert patient: %w", err)
	}
	return nil
}

// GetPatientHistory returns a patient's attendance history.
func (s *Store) GetPatientHistory(ctx context.Context, patientID string) (model.PatientHistory, error) {
	var h model.PatientHistory
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT patient_id, total_appointments, no_shows, cancellations, vip, sentiment, updated_at
		 FROM patients WHERE patient_id = ?`, patientID,
	).Scan(&h.PatientID, &h.TotalAppointments, &h.NoShows, &h.Cancellations, &h.VIP, &h.Sentiment, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.PatientHistory{}, fmt.Errorf("lite: patient %s: %w", patientID, storage.ErrNotFound)
		}
		return model.PatientHistory{}, fmt.Errorf("lite: get patient: %w", err)
	}
	h.UpdatedAt = fromNS(updated)
	return h, nil
}

// CreateAppointment inserts an internal booking.
func (s *Store) CreateAppointment(ctx context.Context, a model.Appointment) (model.Appointment, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}
	if a.Status == "" {
		a.Status = model.AppointmentBooked
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO appointments (id, subject_id, patient_id, starts_at, ends_at, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.SubjectID, a.PatientID, ns(a.Window.Start), ns(a.Window.End), string(a.Status),
		ns(a.CreatedAt), ns(a.UpdatedAt),
	)
	if err != nil {
		return model.Appointment{}, fmt.Errorf("lite: create appointment: %w", err)
	}
	return a, nil
}

// GetAppointment returns one appointment.
func (s *Store) GetAppointment(ctx context.Context, id uuid.UUID) (model.Appointment, error) {
	a, err := scanAppointment(s.db.QueryRowContext(ctx,
		`SELECT id, subject_id, patient_id, starts_at, ends_at, status, created_at, updated_at
		 FROM appointments WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Appointment{}, fmt.Errorf("lite: appointment %s: %w", id, storage.ErrNotFound)
		}
		return model.Appointment{}, fmt.Errorf("lite: get appointment: %w", err)
	}
	return a, nil
}

// ListAppointments returns every appointment overlapping the window, cancelled ones included.
func (s *Store) ListAppointments(ctx context.Context, subjectID string, w model.Window) ([]model.Appointment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subject_id, patient_id, starts_at, ends_at, status, created_at, updated_at
		 FROM appointments
		 WHERE subject_id = ? AND starts_at < ? AND ends_at > ?
		 ORDER BY starts_at, id`, subjectID, ns(w.End), ns(w.Start))
	if err != nil {
		return nil, fmt.Errorf("lite: list appointments: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []model.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("lite: scan appointment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountAppointments counts active appointments overlapping the window.
func (s *Store) CountAppointments(ctx context.Context, subjectID string, w model.Window) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM appointments
		 WHERE subject_id = ? AND starts_at < ? AND ends_at > ? AND status IN ('booked', 'confirmed')`,
		subjectID, ns(w.End), ns(w.Start),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("lite: count appointments: %w", err)
	}
	return n, nil
}

// CancelAppointment marks an active appointment cancelled.
func (s *Store) CancelAppointment(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.db.ExecContext(ctx,
		`UPDATE appointments SET status = 'cancelled', updated_at = ?
		 WHERE id = ? AND status IN ('booked', 'confirmed')`, ns(at), id)
	if err != nil {
		return fmt.Errorf("lite: cancel appointment: %w", err)
	}
	if n, _ := tag.RowsAffected(); n == 0 {
		return fmt.Errorf("lite: active appointment %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// MoveAppointment moves an active appointment to a new window.
func (s *Store) MoveAppointment(ctx context.Context, id uuid.UUID, w model.Window, at time.Time) error {
	tag, err := s.db.ExecContext(ctx,
		`UPDATE appointments SET starts_at = ?, ends_at = ?, updated_at = ?
		 WHERE id = ? AND status IN ('booked', 'confirmed')`, ns(w.Start), ns(w.End), ns(at), id)
	if err != nil {
		return fmt.Errorf("lite: move appointment: %w", err)
	}
	if n, _ := tag.RowsAffected(); n == 0 {
		return fmt.Errorf("lite: active appointment %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// CreateHold inserts a temporary reservation.
func (s *Store) CreateHold(ctx context.Context, h model.Hold) (model.Hold, error) {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	if h.Status == "" {
		h.Status = model.HoldActive
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO holds (id, subject_id, patient_id, starts_at, ends_at, expires_at, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.SubjectID, h.PatientID, ns(h.Window.Start), ns(h.Window.End), ns(h.ExpiresAt),
		string(h.Status), ns(h.CreatedAt),
	)
	if err != nil {
		return model.Hold{}, fmt.Errorf("lite: create hold: %w", err)
	}
	return h, nil
}

// ListHolds returns active holds overlapping the window.
func (s *Store) ListHolds(ctx context.Context, subjectID string, w model.Window) ([]model.Hold, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subject_id, patient_id, starts_at, ends_at, expires_at, status, created_at
		 FROM holds
		 WHERE subject_id = ? AND starts_at < ? AND ends_at > ? AND status = 'active'
		 ORDER BY starts_at, id`, subjectID, ns(w.End), ns(w.Start))
	if err != nil {
		return nil, fmt.Errorf("lite: list holds: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []model.Hold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, fmt.Errorf("lite: scan hold: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// ConfirmHold converts an active hold into a booked appointment atomically.
func (s *Store) ConfirmHold(ctx context.Context, holdID uuid.UUID, at time.Time) (model.Appointment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Appointment{}, fmt.Errorf("lite: begin confirm hold tx: %w", err)
	}
	defer rollback(tx)

	h, err := scanHold(tx.QueryRowContext(ctx,
		`SELECT id, subject_id, patient_id, starts_at, ends_at, expires_at, status, created_at
		 FROM holds WHERE id = ? AND status = 'active'`, holdID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Appointment{}, fmt.Errorf("lite: active hold %s: %w", holdID, storage.ErrNotFound)
		}
		return model.Appointment{}, fmt.Errorf("lite: confirm hold: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE holds SET status = 'confirmed' WHERE id = ?`, holdID); err != nil {
		return model.Appointment{}, fmt.Errorf("lite: confirm hold: %w", err)
	}
	a := model.Appointment{
		ID: uuid.New(), SubjectID: h.SubjectID, PatientID: h.PatientID, Window: h.Window,
		Status: model.AppointmentBooked, CreatedAt: at, UpdatedAt: at,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO appointments (id, subject_id, patient_id, starts_at, ends_at, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.SubjectID, a.PatientID, ns(a.Window.Start), ns(a.Window.End), string(a.Status), ns(at), ns(at),
	); err != nil {
		return model.Appointment{}, fmt.Errorf("lite: insert confirmed appointment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Appointment{}, fmt.Errorf("lite: commit confirm hold tx: %w", err)
	}
	return a, nil
}

// ReleaseHold releases an active hold.
func (s *Store) ReleaseHold(ctx context.Context, holdID uuid.UUID) error {
	tag, err := s.db.ExecContext(ctx, `UPDATE holds SET status = 'released' WHERE id = ? AND status = 'active'`, holdID)
	if err != nil {
		return fmt.Errorf("lite: release hold: %w", err)
	}
	if n, _ := tag.RowsAffected(); n == 0 {
		return fmt.Errorf("lite: active hold %s: %w", holdID, storage.ErrNotFound)
	}
	return nil
}

// ExtendHold pushes an active hold's expiry out by d.
func (s *Store) ExtendHold(ctx context.Context, holdID uuid.UUID, d time.Duration) (model.Hold, error) {
	tag, err := s.db.ExecContext(ctx,
		`UPDATE holds SET expires_at = expires_at + ? WHERE id = ? AND status = 'active'`, int64(d), holdID)
	if err != nil {
		return model.Hold{}, fmt.Errorf("lite: extend hold: %w", err)
	}
	if n, _ := tag.RowsAffected(); n == 0 {
		return model.Hold{}, fmt.Errorf("lite: active hold %s: %w", holdID, storage.ErrNotFound)
	}
	h, err := scanHold(s.db.QueryRowContext(ctx,
		`SELECT id, subject_id, patient_id, starts_at, ends_at, expires_at, status, created_at
		 FROM holds WHERE id = ?`, holdID))
	if err != nil {
		return model.Hold{}, fmt.Errorf("lite: reload hold: %w", err)
	}
	return h, nil
}

// BlockSlot reserves a window so nothing else can be booked into it.
func (s *Store) BlockSlot(ctx context.Context, b model.ScheduleBlock) (model.ScheduleBlock, error) {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedule_blocks (id, subject_id, starts_at, ends_at, reason, created_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.SubjectID, ns(b.Window.Start), ns(b.Window.End), b.Reason, b.CreatedBy, ns(b.CreatedAt),
	)
	if err != nil {
		return model.ScheduleBlock{}, fmt.Errorf("lite: block slot: %w", err)
	}
	return b, nil
}

// NextAvailableSlot returns the earliest free window of length d at or after from, within horizon.
func (s *Store) NextAvailableSlot(ctx context.Context, subjectID string, from time.Time, d, horizon time.Duration) (model.Window, error) {
	end := from.Add(horizon)
	rows, err := s.db.QueryContext(ctx,
		`SELECT starts_at, ends_at FROM appointments
		    WHERE subject_id = ?1 AND starts_at < ?3 AND ends_at > ?2 AND status IN ('booked', 'confirmed')
		 UNION ALL
		 SELECT starts_at, ends_at FROM holds
		    WHERE subject_id = ?1 AND starts_at < ?3 AND ends_at > ?2 AND status = 'active'
		 UNION ALL
		 SELECT starts_at, ends_at FROM schedule_blocks
		    WHERE subject_id = ?1 AND starts_at < ?3 AND ends_at > ?2`,
		subjectID, ns(from), ns(end))
	if err != nil {
		return model.Window{}, fmt.Errorf("lite: next available slot: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var busy []model.Window
	for rows.Next() {
		var start, stop int64
		if err := rows.Scan(&start, &stop); err != nil {
			return model.Window{}, fmt.Errorf("lite: scan busy window: %w", err)
		}
		busy = append(busy, model.Window{Start: fromNS(start), End: fromNS(stop)})
	}
	if err := rows.Err(); err != nil {
		return model.Window{}, fmt.Errorf("lite: next available slot: %w", err)
	}
	slot, ok := model.FirstFreeSlot(busy, from, d, model.SlotStep, horizon)
	if !ok {
		return model.Window{}, fmt.Errorf("lite: free slot for %s: %w", subjectID, storage.ErrNotFound)
	}
	return slot, nil
}

// RecordExternalChange stores a calendar-change notification.
func (s *Store) RecordExternalChange(ctx context.Context, c model.ExternalChange) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.ReceivedAt.IsZero() {
		c.ReceivedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO external_changes (id, subject_id, provider, starts_at, ends_at, received_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.SubjectID, c.Provider, ns(c.Window.Start), ns(c.Window.End), ns(c.ReceivedAt),
	)
	if err != nil {
		return fmt.Errorf("lite: record external change: %w", err)
	}
	return nil
}

// CountExternalChanges counts change notifications for a subject received at or after since.
func (s *Store) CountExternalChanges(ctx context.Context, subjectID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM external_changes WHERE subject_id = ? AND received_at >= ?`, subjectID, ns(since),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("lite: count external changes: %w", err)
	}
	return n, nil
}

func scanAppointment(row scanner) (model.Appointment, error) {
	var a model.Appointment
	var start, end, created, updated int64
	if err := row.Scan(&a.ID, &a.SubjectID, &a.PatientID, &start, &end, &a.Status, &created, &updated); err != nil {
		return model.Appointment{}, err
	}
	a.Window = model.Window{Start: fromNS(start), End: fromNS(end)}
	a.CreatedAt = fromNS(created)
	a.UpdatedAt = fromNS(updated)
	return a, nil
}

func scanHold(row scanner) (model.Hold, error) {
	var h model.Hold
	var start, end, expires, created int64
	if err := row.Scan(&h.ID, &h.SubjectID, &h.PatientID, &start, &end, &expires, &h.Status, &created); err != nil {
		return model.Hold{}, err
	}
	h.Window = model.Window{Start: fromNS(start), End: fromNS(end)}
	h.ExpiresAt = fromNS(expires)
	h.CreatedAt = fromNS(created)
	return h, nil
}
