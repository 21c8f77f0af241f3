// Package conflicts detects divergences between the internal booking store and
// external calendars.
//
// Each detection rule compares internal appointments and holds with what the
// calendar providers report for the same window. Rules are idempotent: a
// conflict whose dedupe key (subject, window, type) is already active is not
// emitted again.
package conflicts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/slotwarden/slotwarden/internal/cache"
	"github.com/slotwarden/slotwarden/internal/calendar"
	"github.com/slotwarden/slotwarden/internal/model"
	"github.com/slotwarden/slotwarden/internal/storage"
	"github.com/slotwarden/slotwarden/internal/telemetry"
)

// Store is the persistence surface the detector reads.
type Store interface {
	GetSubjectProfile(ctx context.Context, subjectID string) (model.SubjectProfile, error)
	ListTrackedSubjects(ctx context.Context) ([]string, error)
	ListAppointments(ctx context.Context, subjectID string, w model.Window) ([]model.Appointment, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (model.Appointment, error)
	ListHolds(ctx context.Context, subjectID string, w model.Window) ([]model.Hold, error)
	RecordExternalChange(ctx context.Context, c model.ExternalChange) error
	ConflictActive(ctx context.Context, dedupeKey string) (bool, error)
}

// Calendars is the calendar collaborator. Satisfied by *calendar.Registry.
type Calendars interface {
	CheckAvailability(ctx context.Context, subjectID string, w model.Window, only []string) []calendar.Availability
	CheckOne(ctx context.Context, provider, subjectID string, w model.Window) (calendar.Availability, error)
}

// Sink receives each newly detected conflict. The resolution engine's
// CreateResolution is the production sink.
type Sink func(ctx context.Context, ev model.ConflictEvent) error

// Options tune the periodic sweep.
type Options struct {
	Lookahead      time.Duration
	Concurrency    int
	SubjectTimeout time.Duration
	// DedupeTTL is how long an emitted key is remembered in memory, covering
	// the gap before its resolution is persisted.
	DedupeTTL time.Duration
	Now       func() time.Time
}

func (o *Options) defaults() {
	if o.Lookahead <= 0 {
		o.Lookahead = 7 * 24 * time.Hour
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.SubjectTimeout <= 0 {
		o.SubjectTimeout = 30 * time.Second
	}
	if o.DedupeTTL <= 0 {
		o.DedupeTTL = 10 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Detector runs the six detection rules.
type Detector struct {
	store     Store
	calendars Calendars
	sink      Sink
	logger    *slog.Logger
	opts      Options

	mu       sync.Mutex
	recent   *cache.TTL[string, time.Time]
	detected metric.Int64Counter
}

// New creates a detector. sink may be nil, in which case events are only returned.
func New(store Store, calendars Calendars, sink Sink, logger *slog.Logger, opts Options) *Detector {
	opts.defaults()
	meter := telemetry.Meter("slotwarden/conflicts")
	detected, _ := meter.Int64Counter("slotwarden.conflicts.detected",
		metric.WithDescription("Conflict events emitted by the detector"),
	)
	return &Detector{
		store:     store,
		calendars: calendars,
		sink:      sink,
		logger:    logger,
		opts:      opts,
		recent:    cache.New[string, time.Time](opts.DedupeTTL, 10_000),
		detected:  detected,
	}
}

// Close stops the dedupe cache's eviction goroutine.
func (d *Detector) Close() {
	d.recent.Close()
}

// DetectDoubleBooking runs the double-booking rule.
func (d *Detector) DetectDoubleBooking(ctx context.Context, subjectID string, w model.Window) ([]model.ConflictEvent, error) {
	return d.Detect(ctx, subjectID, w, model.ConflictDoubleBooking)
}

// DetectHoldConflicts runs the hold-conflict rule.
func (d *Detector) DetectHoldConflicts(ctx context.Context, subjectID string, w model.Window) ([]model.ConflictEvent, error) {
	return d.Detect(ctx, subjectID, w, model.ConflictHold)
}

// DetectExternalOverrides runs the external-override rule.
func (d *Detector) DetectExternalOverrides(ctx context.Context, subjectID string, w model.Window) ([]model.ConflictEvent, error) {
	return d.Detect(ctx, subjectID, w, model.ConflictExternalOverride)
}

// DetectTimeMismatches runs the time-mismatch rule.
func (d *Detector) DetectTimeMismatches(ctx context.Context, subjectID string, w model.Window) ([]model.ConflictEvent, error) {
	return d.Detect(ctx, subjectID, w, model.ConflictTimeMismatch)
}

// DetectRecurringConflicts runs the recurring-conflict rule.
func (d *Detector) DetectRecurringConflicts(ctx context.Context, subjectID string, w model.Window) ([]model.ConflictEvent, error) {
	return d.Detect(ctx, subjectID, w, model.ConflictRecurring)
}

// DetectCancellationConflicts runs the cancellation-conflict rule.
func (d *Detector) DetectCancellationConflicts(ctx context.Context, subjectID string, w model.Window) ([]model.ConflictEvent, error) {
	return d.Detect(ctx, subjectID, w, model.ConflictCancellation)
}

// Detect runs the given rules (all of them when types is empty) over one
// subject and window. Internal state and calendar availability are read once
// and shared by every rule. Only an invalid request or an unreadable internal
// store fails the call; unreachable providers are skipped.
func (d *Detector) Detect(ctx context.Context, subjectID string, w model.Window, types ...model.ConflictType) ([]model.ConflictEvent, error) {
	if err := w.Validate(); err != nil {
		return nil, fmt.Errorf("conflicts: %w", err)
	}
	if len(types) == 0 {
		types = model.ConflictTypes
	}
	snap, err := d.loadInternal(ctx, subjectID, w)
	if err != nil {
		return nil, err
	}

	snap.external = d.calendars.CheckAvailability(ctx, subjectID, w, d.linkedCalendars(ctx, subjectID))
	d.loadReferenced(ctx, &snap)
	return d.run(ctx, snap, types), nil
}

// OnExternalChange re-runs the rules affected by a provider-side edit for the
// changed window only, asking only that provider.
func (d *Detector) OnExternalChange(ctx context.Context, subjectID, provider string, changeWindow model.Window) ([]model.ConflictEvent, error) {
	if err := changeWindow.Validate(); err != nil {
		return nil, fmt.Errorf("conflicts: %w", err)
	}
	if err := d.store.RecordExternalChange(ctx, model.ExternalChange{
		SubjectID:  subjectID,
		Provider:   provider,
		Window:     changeWindow,
		ReceivedAt: d.opts.Now().UTC(),
	}); err != nil {
		d.logger.Warn("conflicts: record external change failed",
			"subject_id", subjectID, "provider", provider, "error", err)
	}

	snap, err := d.loadInternal(ctx, subjectID, changeWindow)
	if err != nil {
		return nil, err
	}
	avail, err := d.calendars.CheckOne(ctx, provider, subjectID, changeWindow)
	if err != nil {
		d.logger.Warn("conflicts: provider unavailable for reactive detection",
			"subject_id", subjectID, "provider", provider, "error", err)
		return nil, nil
	}
	snap.external = []calendar.Availability{avail}
	d.loadReferenced(ctx, &snap)
	return d.run(ctx, snap, reactiveTypes), nil
}

// loadReferenced adds the appointments mirrored by the snapshot's external
// events that fall outside its window, so a mirror moved away from its
// appointment is still compared with it.
func (d *Detector) loadReferenced(ctx context.Context, snap *snapshot) {
	for _, r := range snap.externalEvents() {
		ref := r.event.InternalRef
		if ref == nil {
			continue
		}
		if _, ok := snap.appointment(*ref); ok {
			continue
		}
		a, err := d.store.GetAppointment(ctx, *ref)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				d.logger.Warn("conflicts: load mirrored appointment",
					"subject_id", snap.subjectID, "appointment_id", *ref, "error", err)
			}
			continue
		}
		if a.SubjectID != snap.subjectID {
			continue
		}
		snap.appointments = append(snap.appointments, a)
	}
}

// Sweep runs every rule over the look-ahead window for each tracked subject,
// a bounded number of subjects at a time. A subject that fails or exceeds its
// timeout is logged and does not affect the others.
func (d *Detector) Sweep(ctx context.Context) (int, error) {
	subjects, err := d.store.ListTrackedSubjects(ctx)
	if err != nil {
		return 0, fmt.Errorf("conflicts: list tracked subjects: %w", err)
	}
	now := d.opts.Now().UTC()
	w := model.Window{Start: now, End: now.Add(d.opts.Lookahead)}

	counts := make([]int, len(subjects))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Concurrency)
	for i, subjectID := range subjects {
		g.Go(func() error {
			subjectCtx, cancel := context.WithTimeout(gctx, d.opts.SubjectTimeout)
			defer cancel()
			events, err := d.Detect(subjectCtx, subjectID, w)
			if err != nil {
				d.logger.Warn("conflicts: sweep subject failed", "subject_id", subjectID, "error", err)
				return nil
			}
			counts[i] = len(events)
			return nil
		})
	}
	_ = g.Wait()

	total := 0
	for _, n := range counts {
		total += n
	}
	if total > 0 {
		d.logger.Info("conflicts: sweep complete", "subjects", len(subjects), "detected", total)
	}
	return total, nil
}

func (d *Detector) loadInternal(ctx context.Context, subjectID string, w model.Window) (snapshot, error) {
	appts, err := d.store.ListAppointments(ctx, subjectID, w)
	if err != nil {
		return snapshot{}, fmt.Errorf("conflicts: list appointments: %w", err)
	}
	holds, err := d.store.ListHolds(ctx, subjectID, w)
	if err != nil {
		return snapshot{}, fmt.Errorf("conflicts: list holds: %w", err)
	}
	return snapshot{subjectID: subjectID, window: w, appointments: appts, holds: holds}, nil
}

// linkedCalendars returns the subject's linked providers, or nil for all.
func (d *Detector) linkedCalendars(ctx context.Context, subjectID string) []string {
	p, err := d.store.GetSubjectProfile(ctx, subjectID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			d.logger.Warn("conflicts: read subject profile", "subject_id", subjectID, "error", err)
		}
		return nil
	}
	return p.LinkedCalendars
}

func (d *Detector) run(ctx context.Context, snap snapshot, types []model.ConflictType) []model.ConflictEvent {
	var out []model.ConflictEvent
	for _, t := range types {
		if needsCalendar(t) && len(snap.external) == 0 {
			d.logger.Debug("conflicts: no calendar data, skipping rule",
				"subject_id", snap.subjectID, "conflict_type", t)
			continue
		}
		for _, f := range rules[t](snap) {
			ev, ok := d.emit(ctx, snap.subjectID, f)
			if ok {
				out = append(out, ev)
			}
		}
	}
	return out
}

// emit dedupes a finding, builds its event and hands it to the sink.
func (d *Detector) emit(ctx context.Context, subjectID string, f finding) (model.ConflictEvent, bool) {
	key := model.DedupeKey(subjectID, f.window, f.typ)
	if !d.claim(key) {
		return model.ConflictEvent{}, false
	}
	active, err := d.store.ConflictActive(ctx, key)
	if err != nil {
		d.recent.Delete(key)
		d.logger.Warn("conflicts: dedupe lookup failed, skipping", "subject_id", subjectID, "dedupe_key", key, "error", err)
		return model.ConflictEvent{}, false
	}
	if active {
		return model.ConflictEvent{}, false
	}

	ev, err := model.NewConflictEvent(f.typ, subjectID, f.window, f.sources, f.details, d.opts.Now())
	if err != nil {
		d.recent.Delete(key)
		d.logger.Warn("conflicts: invalid finding", "subject_id", subjectID, "conflict_type", f.typ, "error", err)
		return model.ConflictEvent{}, false
	}

	if d.sink != nil {
		if err := d.sink(ctx, ev); err != nil {
			// Forget the key so the next pass retries.
			d.recent.Delete(key)
			d.logger.Error("conflicts: sink rejected event",
				"conflict_id", ev.ID, "subject_id", subjectID, "error", err)
			return model.ConflictEvent{}, false
		}
	}
	d.detected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", string(ev.Type)),
		attribute.String("severity", string(ev.Severity)),
	))
	d.logger.Info("conflicts: detected",
		"conflict_id", ev.ID, "subject_id", subjectID, "conflict_type", ev.Type, "severity", ev.Severity)
	return ev, true
}

// claim marks key as in flight. It returns false if another pass already
// holds it.
func (d *Detector) claim(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, seen := d.recent.Get(key); seen {
		return false
	}
	d.recent.Set(key, d.opts.Now())
	return true
}
