// Package calendar is the client side of the external calendar collaborator.
//
// A Provider answers availability questions for one external calendar system.
// The Registry fans a question out to every configured provider in parallel,
// bounds each call with a request-level timeout, and drops providers that fail
// so a single unreachable source never blocks detection.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/slotwarden/slotwarden/internal/model"
	"github.com/slotwarden/slotwarden/internal/telemetry"
)

// ErrUnsupported is returned when a provider cannot perform a write operation.
var ErrUnsupported = errors.New("calendar: operation not supported")

// DefaultTimeout bounds a single provider call when none is configured.
const DefaultTimeout = 5 * time.Second

// Availability is one provider's answer for a subject and window.
type Availability struct {
	Provider  string                `json:"provider"`
	Available bool                  `json:"available"`
	Events    []model.ExternalEvent `json:"events"`
}

// Provider reads availability from one external calendar system.
type Provider interface {
	Name() string
	CheckAvailability(ctx context.Context, subjectID string, w model.Window) (Availability, error)
}

// Writer is implemented by providers that accept changes pushed back to the
// external calendar. Strategies that need it fall back to manual handling when
// a provider does not implement it.
type Writer interface {
	CancelEvent(ctx context.Context, subjectID, eventID string) error
	UpdateEvent(ctx context.Context, subjectID, eventID string, w model.Window) error
}

// Registry fans availability checks out to a set of providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	timeout   time.Duration
	logger    *slog.Logger

	errCounter metric.Int64Counter
}

// NewRegistry creates a registry. A non-positive timeout uses DefaultTimeout.
func NewRegistry(timeout time.Duration, logger *slog.Logger, providers ...Provider) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	meter := telemetry.Meter("slotwarden/calendar")
	errCounter, _ := meter.Int64Counter("slotwarden.calendar.errors",
		metric.WithDescription("Calendar provider calls that failed or timed out"),
	)
	r := &Registry{
		providers:  make(map[string]Provider, len(providers)),
		timeout:    timeout,
		logger:     logger,
		errCounter: errCounter,
	}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Register adds or replaces a provider.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Writer returns the named provider's write capability.
func (r *Registry) Writer(name string) (Writer, bool) {
	r.mu.RLock()
	p, ok := r.providers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	w, ok := p.(Writer)
	return w, ok
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

// CheckAvailability asks every selected provider in parallel. When only is
// empty all providers are asked. Providers that error or exceed the timeout
// are logged and left out of the result; the result is sorted by provider
// name so callers see a stable order.
func (r *Registry) CheckAvailability(ctx context.Context, subjectID string, w model.Window, only []string) []Availability {
	selected := r.pick(only)
	if len(selected) == 0 {
		return nil
	}

	results := make([]*Availability, len(selected))
	var g errgroup.Group
	for i, p := range selected {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			avail, err := p.CheckAvailability(callCtx, subjectID, w)
			if err != nil {
				r.errCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", p.Name())))
				r.logger.Warn("calendar: provider unavailable, skipping",
					"provider", p.Name(), "subject_id", subjectID, "error", err)
				return nil
			}
			avail.Provider = p.Name()
			results[i] = &avail
			return nil
		})
	}
	_ = g.Wait()

	out := make([]Availability, 0, len(results))
	for _, a := range results {
		if a != nil {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

func (r *Registry) pick(only []string) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Provider
	if len(only) == 0 {
		for _, p := range r.providers {
			out = append(out, p)
		}
		return out
	}
	for _, name := range only {
		if p, ok := r.providers[name]; ok {
			out = append(out, p)
		}
	}
	return out
}

// CheckOne asks a single named provider, applying the registry timeout.
func (r *Registry) CheckOne(ctx context.Context, provider, subjectID string, w model.Window) (Availability, error) {
	r.mu.RLock()
	p, ok := r.providers[provider]
	r.mu.RUnlock()
	if !ok {
		return Availability{}, fmt.Errorf("calendar: unknown provider %q", provider)
	}
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	avail, err := p.CheckAvailability(callCtx, subjectID, w)
	if err != nil {
		r.errCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
		return Availability{}, fmt.Errorf("calendar: %s: %w", provider, err)
	}
	avail.Provider = provider
	return avail, nil
}
