// Package resolution turns detected conflicts into tracked resolution
// workflows.
//
// The Engine analyzes each conflict, persists a PENDING record and feeds it to
// a single consumer goroutine. Conflicts that are safe to automate run the top
// automatic strategy. The rest wait for a human: each wait is a goroutine that
// selects between a resolved signal from the human handler, a status poll and
// the escalation timer. Every status change goes through a guarded store
// transition, so a human outcome that lands first always beats escalation.
package resolution

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

	"github.com/slotwarden/slotwarden/internal/cache"
	"github.com/slotwarden/slotwarden/internal/integrity"
	"github.com/slotwarden/slotwarden/internal/model"
	"github.com/slotwarden/slotwarden/internal/notify"
	"github.com/slotwarden/slotwarden/internal/storage"
	"github.com/slotwarden/slotwarden/internal/telemetry"
)

// Sentinel errors returned by engine operations.
var (
	ErrNotFound         = errors.New("resolution: not found")
	ErrResolutionClosed = errors.New("resolution: already resolved")
)

var openStatuses = []model.ResolutionStatus{model.StatusPending, model.StatusManualReview}

// Store is the persistence surface of the Engine.
type Store interface {
	ContextStore
	CreateResolution(ctx context.Context, ev model.ConflictEvent, res model.ConflictResolution) (model.ConflictResolution, error)
	GetResolution(ctx context.Context, id uuid.UUID) (model.ConflictResolution, error)
	GetConflictEvent(ctx context.Context, id uuid.UUID) (model.ConflictEvent, error)
	AppendAction(ctx context.Context, action model.ResolutionAction) (model.ResolutionAction, error)
	Transition(ctx context.Context, t model.Transition) (bool, error)
	AssignResolution(ctx context.Context, id uuid.UUID, assignee string, at time.Time) (bool, error)
	ListOpenResolutions(ctx context.Context) ([]model.ConflictResolution, error)
	ListResolutionsSince(ctx context.Context, since time.Time) ([]model.ConflictResolution, error)
	StrategyEffectiveness(ctx context.Context) (map[string]float64, error)
	AdjustStrategyEffectiveness(ctx context.Context, strategy string, factor, floor, ceil float64, at time.Time) (float64, error)
	RecordOutcome(ctx context.Context, o model.Outcome) error
	GetRisk(ctx context.Context, id uuid.UUID) (model.ConflictRisk, error)
}

// Options tunes the Engine. Zero values take the defaults.
type Options struct {
	EscalationTimeout    time.Duration // default 300s
	PollInterval         time.Duration // default 5s
	AttemptTimeout       time.Duration // bound on one automatic attempt; default 30s
	QueueSize            int           // default 256
	AutoResolveThreshold float64       // default 0.8
	IndexTTL             time.Duration // default 10m
	Now                  func() time.Time
}

func (o Options) withDefaults() Options {
	if o.EscalationTimeout <= 0 {
		o.EscalationTimeout = 300 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 30 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.AutoResolveThreshold <= 0 {
		o.AutoResolveThreshold = AutoResolveThreshold
	}
	if o.IndexTTL <= 0 {
		o.IndexTTL = 10 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Engine runs the resolution state machine.
type Engine struct {
	store      Store
	gatherer   *Gatherer
	strategies *Strategies
	notifier   notify.Notifier
	logger     *slog.Logger
	opts       Options

	queue chan uuid.UUID
	index *cache.TTL[uuid.UUID, model.ConflictResolution]

	mu      sync.Mutex
	waiters map[uuid.UUID]chan struct{}
	wg      sync.WaitGroup

	createdCounter    metric.Int64Counter
	transitionCounter metric.Int64Counter
	escalatedCounter  metric.Int64Counter
}

// New creates an Engine. Call Run to start processing.
func New(store Store, strategies *Strategies, notifier notify.Notifier, logger *slog.Logger, opts Options) *Engine {
	opts = opts.withDefaults()
	if notifier == nil {
		notifier = notify.Nop{}
	}
	meter := telemetry.Meter("slotwarden/resolution")
	created, _ := meter.Int64Counter("slotwarden.resolutions.created",
		metric.WithDescription("Resolutions created, by conflict type"),
	)
	transitions, _ := meter.Int64Counter("slotwarden.resolutions.transitions",
		metric.WithDescription("Applied resolution status transitions, by target status"),
	)
	escalated, _ := meter.Int64Counter("slotwarden.resolutions.escalated",
		metric.WithDescription("Resolutions escalated after the human wait timed out"),
	)

	e := &Engine{
		store:             store,
		gatherer:          NewGatherer(store, logger, opts.Now),
		strategies:        strategies,
		notifier:          notifier,
		logger:            logger,
		opts:              opts,
		queue:             make(chan uuid.UUID, opts.QueueSize),
		index:             cache.New[uuid.UUID, model.ConflictResolution](opts.IndexTTL, 10_000),
		waiters:           make(map[uuid.UUID]chan struct{}),
		createdCounter:    created,
		transitionCounter: transitions,
		escalatedCounter:  escalated,
	}

	_, _ = meter.Int64ObservableGauge("slotwarden.resolutions.queue_depth",
		metric.WithDescription("Resolutions waiting for the consumer"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(len(e.queue)))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("slotwarden.resolutions.awaiting_human",
		metric.WithDescription("Resolutions with an active human wait"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(e.Waiting()))
			return nil
		}),
	)
	return e
}

// Close releases the snapshot cache. Call after Run returns.
func (e *Engine) Close() {
	e.index.Close()
}

// Strategies returns the strategy registry.
func (e *Engine) Strategies() *Strategies { return e.strategies }

// Waiting returns how many resolutions are currently waiting for a human.
func (e *Engine) Waiting() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.waiters)
}

func (e *Engine) now() time.Time { return e.opts.Now().UTC() }

// Analyze scores ev without persisting anything.
func (e *Engine) Analyze(ctx context.Context, ev model.ConflictEvent, cc *model.ConflictContext) (Analysis, model.ConflictContext) {
	var c model.ConflictContext
	if cc != nil {
		c = *cc
	} else {
		c = e.gatherer.Gather(ctx, ev)
	}
	eff, err := e.store.StrategyEffectiveness(ctx)
	if err != nil {
		e.logger.Warn("resolution: load strategy effectiveness", "conflict_id", ev.ID, "error", err)
	}
	return analyze(ev, c, eff, e.now(), e.opts.AutoResolveThreshold), c
}

// CreateResolution analyzes ev, persists a PENDING resolution and queues it.
// When cc is nil the context is gathered from the store. Resolutions that need
// a human are announced on the dashboard channel right away.
func (e *Engine) CreateResolution(ctx context.Context, ev model.ConflictEvent, cc *model.ConflictContext) (model.ConflictResolution, error) {
	a, _ := e.Analyze(ctx, ev, cc)
	now := e.now()

	res := model.ConflictResolution{
		SubjectID:          ev.SubjectID,
		ConflictType:       ev.Type,
		Severity:           ev.Severity,
		Status:             model.StatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
		RequiresHuman:      a.RequiresHuman(),
		InterventionReason: a.Reason,
		AutomationScore:    a.Confidence,
		Suggestions:        a.Suggestions,
	}
	if res.RequiresHuman {
		due := now.Add(e.opts.EscalationTimeout)
		res.EscalationDueAt = &due
	}

	res, err := e.store.CreateResolution(ctx, ev, res)
	if err != nil {
		return model.ConflictResolution{}, fmt.Errorf("resolution: create: %w", err)
	}
	e.index.Set(res.ID, res)
	e.createdCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("conflict_type", string(ev.Type))))
	e.logger.Info("resolution: created",
		"resolution_id", res.ID, "conflict_id", ev.ID, "conflict_type", ev.Type,
		"confidence", a.Confidence, "requires_human", res.RequiresHuman)

	if res.RequiresHuman {
		e.publish(ctx, notify.Dashboard, e.payload(notify.TypeHumanInterventionRequired, res, ev).
			With("intervention_reason", string(*res.InterventionReason)).
			With("suggestions", res.Suggestions))
	}

	select {
	case e.queue <- res.ID:
	case <-ctx.Done():
		return res, fmt.Errorf("resolution: enqueue %s: %w", res.ID, ctx.Err())
	}
	return res, nil
}

// Run consumes the resolution queue until ctx is cancelled. Open resolutions
// left over from a previous process are recovered first. Only one resolution
// is processed at a time.
func (e *Engine) Run(ctx context.Context) error {
	if n, err := e.recover(ctx); err != nil {
		e.logger.Error("resolution: recover open resolutions", "error", err)
	} else if n > 0 {
		e.logger.Info("resolution: recovered open resolutions", "count", n)
	}
	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			return nil
		case id := <-e.queue:
			e.process(ctx, id)
		}
	}
}

// recover reprocesses automatic resolutions and resumes human waits from
// their persisted escalation deadline.
func (e *Engine) recover(ctx context.Context) (int, error) {
	open, err := e.store.ListOpenResolutions(ctx)
	if err != nil {
		return 0, fmt.Errorf("resolution: list open: %w", err)
	}
	for _, res := range open {
		if ctx.Err() != nil {
			break
		}
		e.index.Set(res.ID, res)
		if res.RequiresHuman {
			e.startWaiter(ctx, res)
			continue
		}
		e.process(ctx, res.ID)
	}
	return len(open), nil
}

func (e *Engine) process(ctx context.Context, id uuid.UUID) {
	res, err := e.store.GetResolution(ctx, id)
	if err != nil {
		e.logger.Error("resolution: load for processing", "resolution_id", id, "error", err)
		return
	}
	if !res.Status.Open() {
		return
	}
	if res.RequiresHuman {
		e.startWaiter(ctx, res)
		return
	}
	e.autoResolve(ctx, res)
}

// autoResolve executes the top automatic suggestion. A failure, or no
// automatic suggestion at all, downgrades the resolution to MANUAL_REVIEW.
//
// Once started, an attempt runs to its recorded transition even if runCtx is
// cancelled, bounded by AttemptTimeout. A calendar change made by the
// strategy is therefore never left behind a PENDING record.
func (e *Engine) autoResolve(runCtx context.Context, res model.ConflictResolution) {
	if runCtx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(runCtx), e.opts.AttemptTimeout)
	defer cancel()

	ev, err := e.store.GetConflictEvent(ctx, res.ConflictID)
	if err != nil {
		e.logger.Error("resolution: load conflict", "resolution_id", res.ID, "conflict_id", res.ConflictID, "error", err)
		return
	}
	at := e.now()

	var action *model.ResolutionAction
	var execErr error
	sugg, ok := res.TopAutomatic()
	if ok {
		result, err := e.strategies.Execute(ctx, sugg.Strategy, Execution{
			Resolution: res, Event: ev, Parameters: sugg.Parameters,
			PerformedBy: model.PerformedBySystem, At: at,
		})
		execErr = err
		a := e.newAction(res.ID, sugg.Strategy, sugg.Description, model.PerformedBySystem, at, sugg.Parameters, outcomeText(result, err), err == nil)
		action = &a
	} else {
		execErr = errors.New("no automatic strategy available")
	}

	if execErr == nil {
		success := true
		applied, err := e.transition(ctx, model.Transition{
			ResolutionID: res.ID, From: []model.ResolutionStatus{model.StatusPending},
			To: model.StatusAutoResolved, At: at,
			StrategyUsed: &sugg.Strategy, Success: &success, Action: action,
		})
		if err != nil {
			e.logger.Error("resolution: record auto resolution", "resolution_id", res.ID, "error", err)
			return
		}
		if !applied {
			e.appendLate(ctx, *action)
			return
		}
		e.logger.Info("resolution: auto resolved", "resolution_id", res.ID, "strategy", sugg.Strategy)
		if done, err := e.reload(ctx, res.ID); err == nil {
			e.publish(ctx, notify.Dashboard, e.payload(notify.TypeResolutionCompleted, done, ev).
				With("strategy_used", sugg.Strategy).With("success", true))
		}
		return
	}

	e.logger.Warn("resolution: automatic attempt failed",
		"resolution_id", res.ID, "conflict_id", ev.ID, "strategy", sugg.Strategy, "error", execErr)
	requires := true
	reason := model.ReasonAutomationFailed
	due := at.Add(e.opts.EscalationTimeout)
	applied, err := e.transition(ctx, model.Transition{
		ResolutionID: res.ID, From: []model.ResolutionStatus{model.StatusPending},
		To: model.StatusManualReview, At: at,
		RequiresHuman: &requires, InterventionReason: &reason, EscalationDueAt: &due, Action: action,
	})
	if err != nil {
		e.logger.Error("resolution: downgrade to manual review", "resolution_id", res.ID, "error", err)
		return
	}
	if !applied {
		if action != nil {
			e.appendLate(ctx, *action)
		}
		return
	}
	review, err := e.reload(ctx, res.ID)
	if err != nil {
		e.logger.Error("resolution: reload after downgrade", "resolution_id", res.ID, "error", err)
		return
	}
	e.publish(ctx, notify.Dashboard, e.payload(notify.TypeHumanInterventionRequired, review, ev).
		With("intervention_reason", string(reason)).
		With("error", execErr.Error()).
		With("suggestions", review.Suggestions))
	e.startWaiter(runCtx, review)
}

// startWaiter begins the human wait for res unless one is already running.
func (e *Engine) startWaiter(ctx context.Context, res model.ConflictResolution) {
	due := res.CreatedAt.Add(e.opts.EscalationTimeout)
	if res.EscalationDueAt != nil {
		due = *res.EscalationDueAt
	}
	e.mu.Lock()
	if _, ok := e.waiters[res.ID]; ok {
		e.mu.Unlock()
		return
	}
	sig := make(chan struct{})
	e.waiters[res.ID] = sig
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.dropWaiter(res.ID, sig)
		e.wait(ctx, res.ID, due, sig)
	}()
}

func (e *Engine) dropWaiter(id uuid.UUID, sig chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.waiters[id]; ok && cur == sig {
		delete(e.waiters, id)
	}
}

// signal wakes the waiter for id, if any.
func (e *Engine) signal(id uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sig, ok := e.waiters[id]; ok {
		close(sig)
		delete(e.waiters, id)
	}
}

func (e *Engine) wait(ctx context.Context, id uuid.UUID, due time.Time, sig <-chan struct{}) {
	timer := time.NewTimer(max(0, due.Sub(e.now())))
	defer timer.Stop()
	poll := time.NewTicker(e.opts.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			return
		case <-poll.C:
			res, err := e.store.GetResolution(ctx, id)
			if err != nil {
				e.logger.Warn("resolution: poll status", "resolution_id", id, "error", err)
				continue
			}
			if !res.Status.Open() {
				return
			}
		case <-timer.C:
			if _, err := e.Escalate(ctx, id); err != nil {
				e.logger.Error("resolution: escalate", "resolution_id", id, "error", err)
			}
			return
		}
	}
}

// Escalate moves an open resolution to ESCALATED and alerts managers. It
// re-reads the live status first and reports false without acting when the
// resolution already left PENDING/MANUAL_REVIEW.
func (e *Engine) Escalate(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := e.store.GetResolution(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return false, fmt.Errorf("resolution: load for escalation: %w", err)
	}
	if !res.Status.Open() {
		return false, nil
	}
	at := e.now()
	action := e.newAction(id, model.StrategyEscalation,
		"no human action before the escalation deadline", model.PerformedBySystem, at,
		map[string]any{"timeout_seconds": e.opts.EscalationTimeout.Seconds()}, "", true)
	applied, err := e.transition(ctx, model.Transition{
		ResolutionID: id, From: openStatuses, To: model.StatusEscalated, At: at, Action: &action,
	})
	if err != nil || !applied {
		return false, err
	}
	e.escalatedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("conflict_type", string(res.ConflictType))))
	e.logger.Warn("resolution: escalated", "resolution_id", id, "conflict_id", res.ConflictID)

	ev, err := e.store.GetConflictEvent(ctx, res.ConflictID)
	if err != nil {
		e.logger.Warn("resolution: load conflict for escalation", "resolution_id", id, "error", err)
	}
	if esc, err := e.reload(ctx, id); err == nil {
		res = esc
	}
	e.publish(ctx, notify.Managers, e.payload(notify.TypeConflictEscalated, res, ev).
		With("requires_immediate_action", true).
		With("suggestions", res.Suggestions))
	return true, nil
}

// HandleHumanResolution executes action on behalf of userID and records the
// outcome. A successful action resolves the conflict as HUMAN_RESOLVED and a
// failed one as FAILED. On an escalated resolution the action is appended to
// the trail and the status stays ESCALATED.
func (e *Engine) HandleHumanResolution(ctx context.Context, id uuid.UUID, userID, action string, params map[string]any, notes string) (model.ConflictResolution, bool, error) {
	res, err := e.store.GetResolution(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.ConflictResolution{}, false, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return model.ConflictResolution{}, false, fmt.Errorf("resolution: load: %w", err)
	}
	if res.Status.Resolved() {
		return res, false, fmt.Errorf("%w: %s is %s", ErrResolutionClosed, id, res.Status)
	}
	ev, err := e.store.GetConflictEvent(ctx, res.ConflictID)
	if err != nil {
		return model.ConflictResolution{}, false, fmt.Errorf("resolution: load conflict: %w", err)
	}

	at := e.now()
	if params == nil {
		params = map[string]any{}
	}
	result, execErr := e.strategies.Execute(ctx, action, Execution{
		Resolution: res, Event: ev, Parameters: params, PerformedBy: userID, At: at,
	})
	success := execErr == nil
	if execErr != nil {
		e.logger.Warn("resolution: human action failed",
			"resolution_id", id, "action", action, "user_id", userID, "error", execErr)
	}
	act := e.newAction(id, action, "human resolution", userID, at, params, outcomeText(result, execErr), success)

	applied := false
	if res.Status.Open() {
		to := model.StatusHumanResolved
		if !success {
			to = model.StatusFailed
		}
		t := model.Transition{
			ResolutionID: id, From: openStatuses, To: to, At: at,
			StrategyUsed: &action, AssignedTo: &userID, Success: &success, Action: &act,
		}
		if notes != "" {
			t.HumanNotes = &notes
		}
		applied, err = e.transition(ctx, t)
		if err != nil {
			return model.ConflictResolution{}, false, fmt.Errorf("resolution: record human resolution: %w", err)
		}
	}
	if !applied {
		if _, err := e.store.AppendAction(ctx, act); err != nil {
			return model.ConflictResolution{}, false, fmt.Errorf("resolution: append late action: %w", err)
		}
	}
	e.signal(id)

	out, err := e.reload(ctx, id)
	if err != nil {
		return model.ConflictResolution{}, false, err
	}
	if applied {
		e.publish(ctx, notify.Dashboard, e.payload(notify.TypeResolutionCompleted, out, ev).
			With("strategy_used", action).
			With("success", success).
			With("resolved_by", userID))
	}
	return out, success, nil
}

// AssignResolution records assignee as the owner of an unresolved resolution.
func (e *Engine) AssignResolution(ctx context.Context, id uuid.UUID, assignee, actor string) (model.ConflictResolution, error) {
	at := e.now()
	ok, err := e.store.AssignResolution(ctx, id, assignee, at)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.ConflictResolution{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return model.ConflictResolution{}, fmt.Errorf("resolution: assign: %w", err)
	}
	if !ok {
		return model.ConflictResolution{}, fmt.Errorf("%w: %s", ErrResolutionClosed, id)
	}
	act := e.newAction(id, "assign", "assigned to "+assignee, actor, at, map[string]any{"assignee_id": assignee}, "", true)
	if _, err := e.store.AppendAction(ctx, act); err != nil {
		return model.ConflictResolution{}, fmt.Errorf("resolution: record assignment: %w", err)
	}
	e.logger.Info("resolution: assigned", "resolution_id", id, "assignee_id", assignee, "actor", actor)
	return e.reload(ctx, id)
}

// Get returns a resolution with its action trail. Resolved records never
// change again and are served from the snapshot cache.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (model.ConflictResolution, error) {
	if res, ok := e.index.Get(id); ok && res.Status.Resolved() {
		return res, nil
	}
	return e.reload(ctx, id)
}

func (e *Engine) reload(ctx context.Context, id uuid.UUID) (model.ConflictResolution, error) {
	res, err := e.store.GetResolution(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			e.index.Delete(id)
			return model.ConflictResolution{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return model.ConflictResolution{}, fmt.Errorf("resolution: load: %w", err)
	}
	e.index.Set(id, res)
	return res, nil
}

func (e *Engine) transition(ctx context.Context, t model.Transition) (bool, error) {
	applied, err := e.store.Transition(ctx, t)
	if err != nil {
		return false, err
	}
	if applied {
		e.index.Delete(t.ResolutionID)
		e.transitionCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(t.To))))
	}
	return applied, nil
}

// appendLate records an action whose transition lost to a concurrent one.
func (e *Engine) appendLate(ctx context.Context, a model.ResolutionAction) {
	if _, err := e.store.AppendAction(ctx, a); err != nil {
		e.logger.Error("resolution: append action", "resolution_id", a.ResolutionID, "error", err)
	}
}

func (e *Engine) newAction(resID uuid.UUID, typ, desc, by string, at time.Time, params map[string]any, result string, success bool) model.ResolutionAction {
	if params == nil {
		params = map[string]any{}
	}
	a := model.ResolutionAction{
		ID:           uuid.New(),
		ResolutionID: resID,
		ActionType:   typ,
		Description:  desc,
		PerformedBy:  by,
		PerformedAt:  at.UTC(),
		Parameters:   params,
		Success:      success,
	}
	if result != "" {
		a.Result = &result
	}
	a.ContentHash = integrity.ComputeContentHash(integrity.FieldsOf(a))
	return a
}

func outcomeText(result string, err error) string {
	if err != nil {
		return err.Error()
	}
	return result
}

func (e *Engine) payload(typ string, res model.ConflictResolution, ev model.ConflictEvent) notify.Payload {
	p := notify.NewPayload(typ, e.now()).
		With("resolution_id", res.ID.String()).
		With("conflict_id", res.ConflictID.String()).
		With("subject_id", res.SubjectID).
		With("conflict_type", string(res.ConflictType)).
		With("severity", string(res.Severity)).
		With("status", string(res.Status)).
		With("automation_score", res.AutomationScore)
	if ev.ID != uuid.Nil {
		p = p.With("window_start", model.FormatTime(ev.Window.Start)).
			With("window_end", model.FormatTime(ev.Window.End)).
			With("sources", ev.Sources)
	}
	if res.AssignedTo != nil {
		p = p.With("assigned_to", *res.AssignedTo)
	}
	return p
}

// publish delivers a notification. Failures are logged and never fail the
// operation that produced them.
func (e *Engine) publish(ctx context.Context, ch notify.Channel, p notify.Payload) {
	if err := e.notifier.Notify(ctx, ch, p); err != nil {
		e.logger.Warn("resolution: notify", "channel", ch, "type", p.Type(), "resolution_id", p["resolution_id"], "error", err)
	}
}
