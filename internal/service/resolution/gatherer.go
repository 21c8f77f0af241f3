package resolution

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/slotwarden/slotwarden/internal/model"
	"github.com/slotwarden/slotwarden/internal/storage"
)

// PriorResolutionLookback bounds how far back prior resolutions are counted.
const PriorResolutionLookback = 30 * 24 * time.Hour

// ContextStore is the read-only persistence surface of the Gatherer.
type ContextStore interface {
	GetPatientHistory(ctx context.Context, patientID string) (model.PatientHistory, error)
	GetSubjectProfile(ctx context.Context, subjectID string) (model.SubjectProfile, error)
	CountPriorResolutions(ctx context.Context, subjectID string, typ model.ConflictType, since time.Time) (int, error)
}

// Gatherer assembles the ConflictContext used to score a conflict.
// Every source is optional: a failed read leaves that part empty.
type Gatherer struct {
	store  ContextStore
	logger *slog.Logger
	now    func() time.Time
}

// NewGatherer creates a Gatherer.
func NewGatherer(store ContextStore, logger *slog.Logger, now func() time.Time) *Gatherer {
	if now == nil {
		now = time.Now
	}
	return &Gatherer{store: store, logger: logger, now: now}
}

// Gather reads patient history, subject preferences and policies, and prior
// resolutions for ev, and derives the urgency score.
func (g *Gatherer) Gather(ctx context.Context, ev model.ConflictEvent) model.ConflictContext {
	cc := model.ConflictContext{BusinessImpact: map[string]any{}}

	if patientID := ev.DetailString("patient_id"); patientID != "" {
		h, err := g.store.GetPatientHistory(ctx, patientID)
		switch {
		case err == nil:
			cc.PatientHistory = &h
			cc.Sentiment = h.Sentiment
			if h.VIP {
				cc.BusinessImpact["vip"] = true
			}
		case !errors.Is(err, storage.ErrNotFound):
			g.logger.Warn("resolution: read patient history", "conflict_id", ev.ID, "error", err)
		}
	}

	if p, err := g.store.GetSubjectProfile(ctx, ev.SubjectID); err == nil {
		cc.SubjectPreferences = p.Preferences
		cc.Policies = p.Policies
	} else if !errors.Is(err, storage.ErrNotFound) {
		g.logger.Warn("resolution: read subject profile", "conflict_id", ev.ID, "error", err)
	}

	n, err := g.store.CountPriorResolutions(ctx, ev.SubjectID, ev.Type, g.now().Add(-PriorResolutionLookback))
	if err != nil {
		g.logger.Warn("resolution: count prior resolutions", "conflict_id", ev.ID, "error", err)
	}
	cc.PriorResolutions = n

	cc.UrgencyScore = Urgency(ev, cc, g.now())
	return cc
}

// Urgency scores how soon a conflict bites, in [0, 1]. It decays linearly
// from 1 at the window start to 0 a week out, with a VIP bump of 0.2.
func Urgency(ev model.ConflictEvent, cc model.ConflictContext, now time.Time) float64 {
	lead := ev.Window.Start.Sub(now)
	u := 1 - lead.Hours()/(7*24)
	if cc.IsVIP() {
		u += 0.2
	}
	return clamp01(u)
}

func clamp01(v float64) float64 {
	return max(0, min(1, v))
}

// negativeSentiment reports whether a sentiment hint counts against automation.
func negativeSentiment(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "negative", "angry", "frustrated", "upset":
		return true
	}
	return false
}
