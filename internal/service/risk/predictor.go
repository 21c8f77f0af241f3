// Package risk predicts scheduling conflicts before they happen and executes
// prevention strategies against the predictions.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/slotwarden/slotwarden/internal/cache"
	"github.com/slotwarden/slotwarden/internal/model"
	"github.com/slotwarden/slotwarden/internal/notify"
	"github.com/slotwarden/slotwarden/internal/storage"
	"github.com/slotwarden/slotwarden/internal/telemetry"
)

// ErrNotFound is returned when a risk id does not exist.
var ErrNotFound = errors.New("risk: not found")

// maxAlternatives bounds the alternative windows offered for one booking.
const maxAlternatives = 3

// alternativeOffsets are the shifts tried when looking for a quieter window.
var alternativeOffsets = []time.Duration{
	-2 * time.Hour, -time.Hour, time.Hour, 2 * time.Hour,
	24 * time.Hour, 48 * time.Hour, 72 * time.Hour, 96 * time.Hour, 120 * time.Hour,
}

// Store is the persistence surface of the Predictor.
type Store interface {
	GetSubjectProfile(ctx context.Context, subjectID string) (model.SubjectProfile, error)
	GetPatientHistory(ctx context.Context, patientID string) (model.PatientHistory, error)
	ListTrackedSubjects(ctx context.Context) ([]string, error)
	ListAppointments(ctx context.Context, subjectID string, w model.Window) ([]model.Appointment, error)
	CountAppointments(ctx context.Context, subjectID string, w model.Window) (int, error)
	CountExternalChanges(ctx context.Context, subjectID string, since time.Time) (int, error)
	MoveAppointment(ctx context.Context, id uuid.UUID, w model.Window, at time.Time) error
	BlockSlot(ctx context.Context, b model.ScheduleBlock) (model.ScheduleBlock, error)
	CreateRisk(ctx context.Context, r model.ConflictRisk) (model.ConflictRisk, error)
	GetRisk(ctx context.Context, id uuid.UUID) (model.ConflictRisk, error)
	FindRisk(ctx context.Context, subjectID string, w model.Window) (model.ConflictRisk, error)
	MarkEarlyWarningSent(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	MarkPrevented(ctx context.Context, id uuid.UUID, at time.Time) error
	RecordPreventionAttempts(ctx context.Context, id uuid.UUID, strategies []string, at time.Time) error
}

// Options tunes the Predictor. Zero values take the defaults.
type Options struct {
	AcceptThreshold  float64       // persist booking-request risks at or above; default 0.5
	MonitorThreshold float64       // persist monitored risks at or above; default 0.4
	Lookahead        time.Duration // monitoring horizon; default 7 days
	Concurrency      int           // subjects evaluated in parallel; default 4
	Buffer           time.Duration // add_buffer padding; default 15m
	Now              func() time.Time
}

func (o Options) withDefaults() Options {
	if o.AcceptThreshold <= 0 {
		o.AcceptThreshold = 0.5
	}
	if o.MonitorThreshold <= 0 {
		o.MonitorThreshold = 0.4
	}
	if o.Lookahead <= 0 {
		o.Lookahead = 7 * 24 * time.Hour
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.Buffer <= 0 {
		o.Buffer = 15 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Predictor scores booking windows for conflict risk.
type Predictor struct {
	store    Store
	notifier notify.Notifier
	logger   *slog.Logger
	opts     Options
	index    *cache.TTL[uuid.UUID, model.ConflictRisk]

	predictions metric.Int64Counter
}

// New creates a Predictor.
func New(store Store, notifier notify.Notifier, logger *slog.Logger, opts Options) *Predictor {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	meter := telemetry.Meter("slotwarden/risk")
	predictions, _ := meter.Int64Counter("slotwarden.risk.predictions",
		metric.WithDescription("Risk predictions computed, by level"),
	)
	return &Predictor{
		store:       store,
		notifier:    notifier,
		logger:      logger,
		opts:        opts.withDefaults(),
		index:       cache.New[uuid.UUID, model.ConflictRisk](10*time.Minute, 10_000),
		predictions: predictions,
	}
}

// Close stops the risk cache.
func (p *Predictor) Close() { p.index.Close() }

func (p *Predictor) now() time.Time { return p.opts.Now().UTC() }

// prediction is one scored window.
type prediction struct {
	window      model.Window
	factors     []model.RiskFactor
	probability float64
	level       model.RiskLevel
	typ         model.ConflictType
}

// subjectInfo is the per-subject data shared by every window scored in a pass.
type subjectInfo struct {
	loc    *time.Location
	linked bool
	churn  int
}

func (p *Predictor) subject(ctx context.Context, subjectID string) subjectInfo {
	info := subjectInfo{loc: time.UTC}
	prof, err := p.store.GetSubjectProfile(ctx, subjectID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			p.logger.Warn("risk: read subject profile", "subject_id", subjectID, "error", err)
		}
		return info
	}
	if prof.Timezone != "" {
		if loc, err := time.LoadLocation(prof.Timezone); err == nil {
			info.loc = loc
		}
	}
	if len(prof.LinkedCalendars) > 0 {
		n, err := p.store.CountExternalChanges(ctx, subjectID, p.now().Add(-24*time.Hour))
		if err != nil {
			p.logger.Warn("risk: count external changes", "subject_id", subjectID, "error", err)
			return info
		}
		info.linked = true
		info.churn = n
	}
	return info
}

// predict scores w. When booked is set the window already holds an
// appointment, which is not counted as its own neighbour.
func (p *Predictor) predict(ctx context.Context, subjectID string, w model.Window, info subjectInfo, history *model.PatientHistory, booked bool) prediction {
	local := w.Start.In(info.loc)
	self := 0
	if booked {
		self = 1
	}

	var factors []model.RiskFactor
	if f, ok := p.densityFactor(ctx, subjectID, w, local, self); ok {
		factors = append(factors, f)
	}
	factors = append(factors,
		model.RiskFactor{Name: FactorTimeSlot, Value: TimeSlotRisk(local), Weight: weightTimeSlot,
			Description: fmt.Sprintf("starts at %02d:00 local time", local.Hour())},
		model.RiskFactor{Name: FactorPatient, Value: PatientRisk(history), Weight: weightPatient,
			Description: patientDescription(history)},
	)
	if info.linked {
		factors = append(factors, model.RiskFactor{Name: FactorSync, Value: SyncRisk(info.churn), Weight: weightSync,
			Description: fmt.Sprintf("%d external calendar changes in the last 24h", info.churn)})
	}
	factors = append(factors, model.RiskFactor{Name: FactorDayOfWeek, Value: DayOfWeekRisk(local), Weight: weightDayOfWeek,
		Description: local.Weekday().String()})

	prob := Combine(factors)
	typ := model.ConflictDoubleBooking
	if info.linked && SyncRisk(info.churn) >= 0.6 {
		typ = model.ConflictExternalOverride
	}
	return prediction{window: w, factors: factors, probability: prob, level: model.RiskLevelFor(prob), typ: typ}
}

// densityFactor counts neighbours within densityRadius. A subject with no
// bookings that local day gives no density signal at all.
func (p *Predictor) densityFactor(ctx context.Context, subjectID string, w model.Window, local time.Time, self int) (model.RiskFactor, bool) {
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
	day, err := p.store.CountAppointments(ctx, subjectID, model.Window{Start: dayStart, End: dayStart.AddDate(0, 0, 1)})
	if err != nil {
		p.logger.Warn("risk: count day appointments", "subject_id", subjectID, "error", err)
		return model.RiskFactor{}, false
	}
	if day-self <= 0 {
		return model.RiskFactor{}, false
	}
	around := model.Window{Start: w.Start.Add(-densityRadius), End: w.End.Add(densityRadius)}
	n, err := p.store.CountAppointments(ctx, subjectID, around)
	if err != nil {
		p.logger.Warn("risk: count nearby appointments", "subject_id", subjectID, "error", err)
		return model.RiskFactor{}, false
	}
	n = max(0, n-self)
	return model.RiskFactor{
		Name: FactorDensity, Value: DensityRisk(n), Weight: weightDensity,
		Description: fmt.Sprintf("%d appointments within %s", n, densityRadius),
	}, true
}

func patientDescription(h *model.PatientHistory) string {
	if h == nil || h.TotalAppointments <= 0 {
		return "no attendance history"
	}
	return fmt.Sprintf("no-show rate %.2f, cancellation rate %.2f", h.NoShowRate(), h.CancellationRate())
}

func (p *Predictor) patient(ctx context.Context, patientID string, given *model.PatientHistory) *model.PatientHistory {
	if given != nil {
		return given
	}
	if patientID == "" {
		return nil
	}
	h, err := p.store.GetPatientHistory(ctx, patientID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			p.logger.Warn("risk: read patient history", "patient_id", patientID, "error", err)
		}
		return nil
	}
	return &h
}

// AnalyzeBookingRequest scores a prospective booking. Risks at or above the
// acceptance threshold are persisted; HIGH and CRITICAL risks come with up to
// three lower-risk alternatives.
func (p *Predictor) AnalyzeBookingRequest(ctx context.Context, req model.RiskAnalyzeRequest) (model.RiskAssessment, error) {
	if err := model.ValidateSubjectID(req.SubjectID); err != nil {
		return model.RiskAssessment{}, fmt.Errorf("risk: %w", err)
	}
	if err := req.Window.Validate(); err != nil {
		return model.RiskAssessment{}, fmt.Errorf("risk: %w", err)
	}
	info := p.subject(ctx, req.SubjectID)
	history := p.patient(ctx, req.PatientID, req.PatientHistory)
	pred := p.predict(ctx, req.SubjectID, req.Window, info, history, false)
	p.predictions.Add(ctx, 1, metric.WithAttributes(attribute.String("level", string(pred.level))))

	strategies := Recommendations(pred.level, pred.probability)
	now := p.now()
	r := model.ConflictRisk{
		SubjectID:            req.SubjectID,
		Level:                pred.level,
		PredictedWindow:      req.Window,
		PredictedType:        pred.typ,
		Probability:          pred.probability,
		ContributingFactors:  pred.factors,
		PreventionStrategies: strategies,
		Source:               model.RiskSourceBookingRequest,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	out := model.RiskAssessment{Recommendations: Describe(strategies)}
	if pred.level.AtLeast(model.RiskHigh) {
		out.Alternatives = p.alternatives(ctx, req.SubjectID, req.Window, info, history, pred.probability)
	}
	if pred.probability >= p.opts.AcceptThreshold {
		saved, err := p.store.CreateRisk(ctx, r)
		if err != nil {
			return model.RiskAssessment{}, fmt.Errorf("risk: persist: %w", err)
		}
		r = saved
		out.Persisted = true
		p.index.Set(r.ID, r)
		p.logger.Info("risk: booking risk recorded",
			"risk_id", r.ID, "subject_id", r.SubjectID, "level", r.Level, "probability", r.Probability)
	}
	out.Risk = r
	return out, nil
}

// alternatives returns up to three free windows scoring below bar, lowest first.
func (p *Predictor) alternatives(ctx context.Context, subjectID string, w model.Window, info subjectInfo, history *model.PatientHistory, bar float64) []model.AlternativeSlot {
	now := p.now()
	var out []model.AlternativeSlot
	for _, off := range alternativeOffsets {
		c := w.Shift(off)
		if c.Start.Before(now) {
			continue
		}
		busy, err := p.store.CountAppointments(ctx, subjectID, c)
		if err != nil || busy > 0 {
			continue
		}
		pred := p.predict(ctx, subjectID, c, info, history, false)
		if pred.probability >= bar {
			continue
		}
		out = append(out, model.AlternativeSlot{Window: c, Probability: pred.probability, Level: pred.level})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Probability != out[j].Probability {
			return out[i].Probability < out[j].Probability
		}
		return out[i].Window.Start.Before(out[j].Window.Start)
	})
	if len(out) > maxAlternatives {
		out = out[:maxAlternatives]
	}
	return out
}

// Get returns a risk by id.
func (p *Predictor) Get(ctx context.Context, id uuid.UUID) (model.ConflictRisk, error) {
	if r, ok := p.index.Get(id); ok {
		return r, nil
	}
	r, err := p.store.GetRisk(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.ConflictRisk{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return model.ConflictRisk{}, fmt.Errorf("risk: load: %w", err)
	}
	p.index.Set(id, r)
	return r, nil
}

func (p *Predictor) publish(ctx context.Context, ch notify.Channel, payload notify.Payload) {
	if err := p.notifier.Notify(ctx, ch, payload); err != nil {
		p.logger.Warn("risk: notify", "channel", ch, "type", payload.Type(), "risk_id", payload["risk_id"], "error", err)
	}
}

func (p *Predictor) riskPayload(typ string, r model.ConflictRisk) notify.Payload {
	return notify.NewPayload(typ, p.now()).
		With("risk_id", r.ID.String()).
		With("subject_id", r.SubjectID).
		With("risk_level", string(r.Level)).
		With("probability", r.Probability).
		With("predicted_conflict_type", string(r.PredictedType)).
		With("window_start", model.FormatTime(r.PredictedWindow.Start)).
		With("window_end", model.FormatTime(r.PredictedWindow.End)).
		With("prevention_strategies", r.PreventionStrategies)
}
