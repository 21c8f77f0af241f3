package resolution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/slotwarden/slotwarden/internal/calendar"
	"github.com/slotwarden/slotwarden/internal/model"
)

// ErrUnknownStrategy is returned when no handler is registered for an action.
var ErrUnknownStrategy = errors.New("resolution: unknown strategy")

// errHoldExpired rejects converting a hold that lapsed.
var errHoldExpired = errors.New("resolution: hold expired")

// rescheduleHorizon bounds the free-slot search of the reschedule strategy.
const rescheduleHorizon = 14 * 24 * time.Hour

// Execution is the input to a strategy handler.
type Execution struct {
	Resolution  model.ConflictResolution
	Event       model.ConflictEvent
	Parameters  map[string]any
	PerformedBy string
	At          time.Time
}

// param returns a string parameter, falling back to the conflict details.
func (x Execution) param(key string) string {
	if v, ok := x.Parameters[key].(string); ok && v != "" {
		return v
	}
	return x.Event.DetailString(key)
}

func (x Execution) uuidParam(key string) (uuid.UUID, error) {
	raw := x.param(key)
	if raw == "" {
		return uuid.Nil, fmt.Errorf("resolution: %s is required", key)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("resolution: %s: %w", key, err)
	}
	return id, nil
}

func (x Execution) timeParam(key string) (time.Time, error) {
	raw := x.param(key)
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("resolution: %s: %w", key, err)
	}
	return t, nil
}

// Handler executes one strategy and returns a short description of what it did.
type Handler func(ctx context.Context, x Execution) (string, error)

// ScheduleStore is the schedule mutation surface used by built-in strategies.
type ScheduleStore interface {
	GetAppointment(ctx context.Context, id uuid.UUID) (model.Appointment, error)
	CancelAppointment(ctx context.Context, id uuid.UUID, at time.Time) error
	MoveAppointment(ctx context.Context, id uuid.UUID, w model.Window, at time.Time) error
	NextAvailableSlot(ctx context.Context, subjectID string, from time.Time, d, horizon time.Duration) (model.Window, error)
	ConfirmHold(ctx context.Context, holdID uuid.UUID, at time.Time) (model.Appointment, error)
	ReleaseHold(ctx context.Context, holdID uuid.UUID) error
	ExtendHold(ctx context.Context, holdID uuid.UUID, d time.Duration) (model.Hold, error)
}

// CalendarWriters resolves a provider name to its write side.
type CalendarWriters interface {
	Writer(name string) (calendar.Writer, bool)
}

// Strategies maps strategy names to handlers. Safe for concurrent use.
type Strategies struct {
	mu         sync.RWMutex
	handlers   map[string]Handler
	permissive bool
	logger     *slog.Logger
}

// NewStrategies creates an empty registry. When permissive is set, unknown
// strategies succeed as logged no-ops instead of failing.
func NewStrategies(permissive bool, logger *slog.Logger) *Strategies {
	return &Strategies{handlers: make(map[string]Handler), permissive: permissive, logger: logger}
}

// Register installs h for name, replacing any previous handler.
func (s *Strategies) Register(name string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = h
}

// Names returns the registered strategy names in order.
func (s *Strategies) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Execute runs the handler for name.
func (s *Strategies) Execute(ctx context.Context, name string, x Execution) (string, error) {
	s.mu.RLock()
	h, ok := s.handlers[name]
	s.mu.RUnlock()
	if !ok {
		s.logger.Warn("resolution: no handler for strategy",
			"strategy", name, "resolution_id", x.Resolution.ID, "permissive", s.permissive)
		if s.permissive {
			return "no handler registered; treated as success", nil
		}
		return "", fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	return h(ctx, x)
}

// RegisterBuiltins installs the handlers for every well-known strategy.
func RegisterBuiltins(s *Strategies, store ScheduleStore, writers CalendarWriters) {
	s.Register(model.StrategyManualReview, func(context.Context, Execution) (string, error) {
		return "reviewed manually", nil
	})

	s.Register(model.StrategyKeepInternal, func(ctx context.Context, x Execution) (string, error) {
		provider, eventID := x.param("provider"), x.param("external_event_id")
		w, err := writer(writers, provider)
		if err != nil {
			return "", err
		}
		if err := w.CancelEvent(ctx, x.Resolution.SubjectID, eventID); err != nil {
			return "", fmt.Errorf("resolution: cancel %s event %s: %w", provider, eventID, err)
		}
		return fmt.Sprintf("cancelled %s event %s", provider, eventID), nil
	})

	s.Register(model.StrategyKeepExternal, func(ctx context.Context, x Execution) (string, error) {
		id, err := x.uuidParam("appointment_id")
		if err != nil {
			return "", err
		}
		if err := store.CancelAppointment(ctx, id, x.At); err != nil {
			return "", fmt.Errorf("resolution: cancel appointment: %w", err)
		}
		return "cancelled appointment " + id.String(), nil
	})

	s.Register(model.StrategyReschedule, func(ctx context.Context, x Execution) (string, error) {
		id, err := x.uuidParam("appointment_id")
		if err != nil {
			return "", err
		}
		a, err := store.GetAppointment(ctx, id)
		if err != nil {
			return "", fmt.Errorf("resolution: load appointment: %w", err)
		}
		from := a.Window.End
		if x.At.After(from) {
			from = x.At
		}
		slot, err := store.NextAvailableSlot(ctx, a.SubjectID, from, a.Window.Duration(), rescheduleHorizon)
		if err != nil {
			return "", fmt.Errorf("resolution: find slot: %w", err)
		}
		if err := store.MoveAppointment(ctx, id, slot, x.At); err != nil {
			return "", fmt.Errorf("resolution: move appointment: %w", err)
		}
		return "moved appointment to " + model.FormatTime(slot.Start), nil
	})

	s.Register(model.StrategyConvertHold, func(ctx context.Context, x Execution) (string, error) {
		id, err := x.uuidParam("hold_id")
		if err != nil {
			return "", err
		}
		if exp, ok := x.Event.DetailTime("hold_expires_at"); ok && !exp.After(x.At) {
			return "", errHoldExpired
		}
		a, err := store.ConfirmHold(ctx, id, x.At)
		if err != nil {
			return "", fmt.Errorf("resolution: confirm hold: %w", err)
		}
		return "confirmed hold as appointment " + a.ID.String(), nil
	})

	s.Register(model.StrategyReleaseHold, func(ctx context.Context, x Execution) (string, error) {
		id, err := x.uuidParam("hold_id")
		if err != nil {
			return "", err
		}
		if err := store.ReleaseHold(ctx, id); err != nil {
			return "", fmt.Errorf("resolution: release hold: %w", err)
		}
		return "released hold " + id.String(), nil
	})

	s.Register(model.StrategyExtendHold, func(ctx context.Context, x Execution) (string, error) {
		id, err := x.uuidParam("hold_id")
		if err != nil {
			return "", err
		}
		minutes := 15.0
		if v, ok := x.Parameters["minutes"].(float64); ok && v > 0 {
			minutes = v
		}
		h, err := store.ExtendHold(ctx, id, time.Duration(minutes*float64(time.Minute)))
		if err != nil {
			return "", fmt.Errorf("resolution: extend hold: %w", err)
		}
		return "hold now expires at " + model.FormatTime(h.ExpiresAt), nil
	})

	s.Register(model.StrategyAcceptExternal, func(ctx context.Context, x Execution) (string, error) {
		id, err := x.uuidParam("appointment_id")
		if err != nil {
			return "", err
		}
		w, err := windowParam(x, "external_start", "external_end")
		if err != nil {
			return "", err
		}
		if err := store.MoveAppointment(ctx, id, w, x.At); err != nil {
			return "", fmt.Errorf("resolution: move appointment: %w", err)
		}
		return "moved appointment to " + model.FormatTime(w.Start), nil
	})

	s.Register(model.StrategyRejectExternal, func(ctx context.Context, x Execution) (string, error) {
		provider, eventID := x.param("provider"), x.param("external_event_id")
		win, err := windowParam(x, "internal_start", "internal_end")
		if err != nil {
			return "", err
		}
		w, err := writer(writers, provider)
		if err != nil {
			return "", err
		}
		if err := w.UpdateEvent(ctx, x.Resolution.SubjectID, eventID, win); err != nil {
			return "", fmt.Errorf("resolution: restore %s event %s: %w", provider, eventID, err)
		}
		return fmt.Sprintf("restored %s event %s", provider, eventID), nil
	})
}

func writer(writers CalendarWriters, provider string) (calendar.Writer, error) {
	if writers == nil {
		return nil, calendar.ErrUnsupported
	}
	w, ok := writers.Writer(provider)
	if !ok {
		return nil, fmt.Errorf("resolution: provider %q: %w", provider, calendar.ErrUnsupported)
	}
	return w, nil
}

func windowParam(x Execution, startKey, endKey string) (model.Window, error) {
	start, err := x.timeParam(startKey)
	if err != nil {
		return model.Window{}, err
	}
	end, err := x.timeParam(endKey)
	if err != nil {
		return model.Window{}, err
	}
	w := model.Window{Start: start, End: end}
	if err := w.Validate(); err != nil {
		return model.Window{}, fmt.Errorf("resolution: %w", err)
	}
	return w, nil
}
