package risk

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/slotwarden/slotwarden/internal/model"
	"github.com/slotwarden/slotwarden/internal/notify"
	"github.com/slotwarden/slotwarden/internal/storage"
)

// CycleReport summarises one monitoring pass.
type CycleReport struct {
	Subjects      int `json:"subjects"`
	Appointments  int `json:"appointments"`
	RisksRecorded int `json:"risks_recorded"`
	Warnings      int `json:"early_warnings"`
}

// MonitorCycle scores every upcoming active appointment of every tracked
// subject. Risks at or above the monitor threshold are recorded once per
// window; MEDIUM and above send a single early warning. A failing subject is
// logged and skipped.
func (p *Predictor) MonitorCycle(ctx context.Context) (CycleReport, error) {
	subjects, err := p.store.ListTrackedSubjects(ctx)
	if err != nil {
		return CycleReport{}, fmt.Errorf("risk: list subjects: %w", err)
	}

	var appts, recorded, warnings atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)
	for _, subject := range subjects {
		g.Go(func() error {
			a, r, w, err := p.monitorSubject(gctx, subject)
			appts.Add(int64(a))
			recorded.Add(int64(r))
			warnings.Add(int64(w))
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				p.logger.Warn("risk: monitor subject", "subject_id", subject, "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return CycleReport{}, fmt.Errorf("risk: monitor cycle: %w", err)
	}

	rep := CycleReport{
		Subjects:      len(subjects),
		Appointments:  int(appts.Load()),
		RisksRecorded: int(recorded.Load()),
		Warnings:      int(warnings.Load()),
	}
	p.publish(ctx, notify.Monitoring, notify.NewPayload(notify.TypeMonitoringCycle, p.now()).
		With("subjects", rep.Subjects).
		With("appointments", rep.Appointments).
		With("risks_recorded", rep.RisksRecorded).
		With("early_warnings", rep.Warnings))
	p.logger.Info("risk: monitor cycle complete",
		"subjects", rep.Subjects, "appointments", rep.Appointments,
		"risks_recorded", rep.RisksRecorded, "early_warnings", rep.Warnings)
	return rep, nil
}

func (p *Predictor) monitorSubject(ctx context.Context, subject string) (appts, recorded, warnings int, err error) {
	now := p.now()
	list, err := p.store.ListAppointments(ctx, subject, model.Window{Start: now, End: now.Add(p.opts.Lookahead)})
	if err != nil {
		return 0, 0, 0, fmt.Errorf("list appointments: %w", err)
	}
	info := p.subject(ctx, subject)
	for _, a := range list {
		if !a.Status.Active() || a.Window.Start.Before(now) {
			continue
		}
		appts++
		pred := p.predict(ctx, subject, a.Window, info, p.patient(ctx, a.PatientID, nil), true)
		if pred.probability < p.opts.MonitorThreshold {
			continue
		}
		r, created, err := p.recordMonitored(ctx, subject, pred)
		if err != nil {
			return appts, recorded, warnings, err
		}
		if created {
			recorded++
		}
		if r.Level.AtLeast(model.RiskMedium) {
			sent, err := p.warn(ctx, r)
			if err != nil {
				return appts, recorded, warnings, err
			}
			if sent {
				warnings++
			}
		}
	}
	return appts, recorded, warnings, nil
}

// recordMonitored returns the risk already recorded for the window or creates one.
func (p *Predictor) recordMonitored(ctx context.Context, subject string, pred prediction) (model.ConflictRisk, bool, error) {
	r, err := p.store.FindRisk(ctx, subject, pred.window)
	if err == nil {
		return r, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return model.ConflictRisk{}, false, fmt.Errorf("find risk: %w", err)
	}
	p.predictions.Add(ctx, 1)
	now := p.now()
	r, err = p.store.CreateRisk(ctx, model.ConflictRisk{
		SubjectID:            subject,
		Level:                pred.level,
		PredictedWindow:      pred.window,
		PredictedType:        pred.typ,
		Probability:          pred.probability,
		ContributingFactors:  pred.factors,
		PreventionStrategies: Recommendations(pred.level, pred.probability),
		Source:               model.RiskSourceMonitor,
		CreatedAt:            now,
		UpdatedAt:            now,
	})
	if err != nil {
		return model.ConflictRisk{}, false, fmt.Errorf("create risk: %w", err)
	}
	p.index.Set(r.ID, r)
	return r, true, nil
}

// warn latches the early-warning flag and notifies the dashboard the first
// time only.
func (p *Predictor) warn(ctx context.Context, r model.ConflictRisk) (bool, error) {
	if r.EarlyWarningSent {
		return false, nil
	}
	flipped, err := p.store.MarkEarlyWarningSent(ctx, r.ID, p.now())
	if err != nil {
		return false, fmt.Errorf("mark early warning: %w", err)
	}
	p.index.Delete(r.ID)
	if !flipped {
		return false, nil
	}
	r.EarlyWarningSent = true
	p.publish(ctx, notify.Dashboard, p.riskPayload(notify.TypeEarlyWarning, r))
	p.logger.Info("risk: early warning sent", "risk_id", r.ID, "subject_id", r.SubjectID, "level", r.Level)
	return true, nil
}
