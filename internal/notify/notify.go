// Package notify publishes structured events to dashboards and managers.
//
// Payloads are flat maps carrying at least "type", "timestamp" and either
// "resolution_id" or "risk_id" (metrics payloads carry "window"). Delivery is
// best effort: callers log a failed Notify and carry on.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/slotwarden/slotwarden/internal/model"
)

// Channel is a well-known notification channel.
type Channel string

const (
	Dashboard  Channel = "dashboard"
	Managers   Channel = "managers"
	Monitoring Channel = "monitoring"
)

// Channels lists every channel.
var Channels = []Channel{Dashboard, Managers, Monitoring}

// Payload types.
const (
	TypeHumanInterventionRequired = "human_intervention_required"
	TypeResolutionCompleted       = "resolution_completed"
	TypeConflictEscalated         = "conflict_escalated"
	TypeEarlyWarning              = "early_warning"
	TypePreventionExecuted        = "prevention_executed"
	TypeResolutionMetrics         = "resolution_metrics"
	TypeMonitoringCycle           = "monitoring_cycle"
)

// Payload is a flat notification body.
type Payload map[string]any

// NewPayload starts a payload with its type discriminator and timestamp.
func NewPayload(typ string, at time.Time) Payload {
	return Payload{"type": typ, "timestamp": model.FormatTime(at)}
}

// With sets a key and returns the payload for chaining.
func (p Payload) With(key string, value any) Payload {
	p[key] = value
	return p
}

// Type returns the payload's type discriminator.
func (p Payload) Type() string {
	s, _ := p["type"].(string)
	return s
}

// Encode renders the payload as JSON.
func (p Payload) Encode() ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("notify: encode payload: %w", err)
	}
	return b, nil
}

// Notifier delivers a payload on a channel.
type Notifier interface {
	Notify(ctx context.Context, ch Channel, p Payload) error
}

// Func adapts a function to the Notifier interface.
type Func func(ctx context.Context, ch Channel, p Payload) error

// Notify calls f.
func (f Func) Notify(ctx context.Context, ch Channel, p Payload) error {
	return f(ctx, ch, p)
}

// Nop discards every notification.
type Nop struct{}

// Notify does nothing.
func (Nop) Notify(context.Context, Channel, Payload) error { return nil }

// Fanout delivers to every notifier and joins their errors.
type Fanout []Notifier

// Notify delivers p to every member. A failing member does not stop the rest.
func (f Fanout) Notify(ctx context.Context, ch Channel, p Payload) error {
	var errs []error
	for _, n := range f {
		if err := n.Notify(ctx, ch, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Sent is one recorded notification.
type Sent struct {
	Channel Channel
	Payload Payload
}

// Recorder keeps every notification in memory. Safe for concurrent use.
type Recorder struct {
	mu   sync.Mutex
	sent []Sent
}

// Notify records the notification.
func (r *Recorder) Notify(_ context.Context, ch Channel, p Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make(Payload, len(p))
	for k, v := range p {
		cp[k] = v
	}
	r.sent = append(r.sent, Sent{Channel: ch, Payload: cp})
	return nil
}

// Sent returns a copy of everything recorded so far.
func (r *Recorder) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}

// Count returns how many notifications of type typ went to ch.
func (r *Recorder) Count(ch Channel, typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sent {
		if s.Channel == ch && s.Payload.Type() == typ {
			n++
		}
	}
	return n
}
