package calendar

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/slotwarden/slotwarden/internal/model"
)

// Memory is an in-process calendar used by lite deployments and tests.
// It implements both Provider and Writer.
type Memory struct {
	name string

	mu     sync.Mutex
	events map[string]model.ExternalEvent
	err    error
	delay  time.Duration
}

// NewMemory creates an empty in-memory calendar.
func NewMemory(name string) *Memory {
	return &Memory{name: name, events: make(map[string]model.ExternalEvent)}
}

// Name returns the provider name.
func (m *Memory) Name() string { return m.name }

// Put adds or replaces an event.
func (m *Memory) Put(e model.ExternalEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.Provider = m.name
	if e.Status == "" {
		e.Status = model.ExternalConfirmed
	}
	m.events[e.ID] = e
}

// Event returns a stored event.
func (m *Memory) Event(id string) (model.ExternalEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	return e, ok
}

// FailWith makes every subsequent call return err until cleared with nil.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SetDelay makes availability checks block for d or until the context ends.
func (m *Memory) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// CheckAvailability returns the subject's events overlapping w, cancelled ones included.
func (m *Memory) CheckAvailability(ctx context.Context, subjectID string, w model.Window) (Availability, error) {
	m.mu.Lock()
	delay, failure := m.delay, m.err
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Availability{}, ctx.Err()
		}
	}
	if failure != nil {
		return Availability{}, failure
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	out := Availability{Provider: m.name, Available: true}
	for _, e := range m.events {
		if e.SubjectID != subjectID || !e.Window.Overlaps(w) {
			continue
		}
		out.Events = append(out.Events, e)
		if !e.Cancelled() {
			out.Available = false
		}
	}
	sort.Slice(out.Events, func(i, j int) bool {
		if !out.Events[i].Window.Start.Equal(out.Events[j].Window.Start) {
			return out.Events[i].Window.Start.Before(out.Events[j].Window.Start)
		}
		return out.Events[i].ID < out.Events[j].ID
	})
	return out, nil
}

// CancelEvent marks an event cancelled.
func (m *Memory) CancelEvent(_ context.Context, subjectID, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	e, ok := m.events[eventID]
	if !ok || e.SubjectID != subjectID {
		return fmt.Errorf("%s: event %s not found", m.name, eventID)
	}
	e.Status = model.ExternalCancelled
	e.UpdatedAt = time.Now().UTC()
	m.events[eventID] = e
	return nil
}

// UpdateEvent moves an event to w.
func (m *Memory) UpdateEvent(_ context.Context, subjectID, eventID string, w model.Window) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	e, ok := m.events[eventID]
	if !ok || e.SubjectID != subjectID {
		return fmt.Errorf("%s: event %s not found", m.name, eventID)
	}
	e.Window = w
	e.UpdatedAt = time.Now().UTC()
	m.events[eventID] = e
	return nil
}
