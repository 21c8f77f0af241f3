package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/slotwarden/slotwarden/internal/model"
)

// HTTPProvider talks to a calendar sync gateway over a small JSON API:
//
//	GET    {base}/subjects/{subject}/availability?start=RFC3339&end=RFC3339
//	DELETE {base}/subjects/{subject}/events/{event}
//	PATCH  {base}/subjects/{subject}/events/{event}   {"start": ..., "end": ...}
type HTTPProvider struct {
	name       string
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPProvider creates a provider for the gateway at baseURL. Requests are
// traced through otelhttp; deadlines come from the caller's context.
func NewHTTPProvider(name, baseURL, token string) *HTTPProvider {
	return &HTTPProvider{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Name returns the provider name used as a conflict source.
func (p *HTTPProvider) Name() string { return p.name }

type availabilityResponse struct {
	Available bool                  `json:"available"`
	Events    []model.ExternalEvent `json:"events"`
}

// CheckAvailability fetches events overlapping w.
func (p *HTTPProvider) CheckAvailability(ctx context.Context, subjectID string, w model.Window) (Availability, error) {
	q := url.Values{}
	q.Set("start", model.FormatTime(w.Start))
	q.Set("end", model.FormatTime(w.End))
	endpoint := p.subjectURL(subjectID) + "/availability?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Availability{}, fmt.Errorf("%s: create request: %w", p.name, err)
	}
	var out availabilityResponse
	if err := p.do(req, &out); err != nil {
		return Availability{}, err
	}
	for i := range out.Events {
		out.Events[i].Provider = p.name
		if out.Events[i].SubjectID == "" {
			out.Events[i].SubjectID = subjectID
		}
	}
	return Availability{Provider: p.name, Available: out.Available, Events: out.Events}, nil
}

// CancelEvent deletes an event from the external calendar.
func (p *HTTPProvider) CancelEvent(ctx context.Context, subjectID, eventID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.eventURL(subjectID, eventID), nil)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", p.name, err)
	}
	return p.do(req, nil)
}

// UpdateEvent moves an external event to a new window.
func (p *HTTPProvider) UpdateEvent(ctx context.Context, subjectID, eventID string, w model.Window) error {
	body, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("%s: marshal window: %w", p.name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, p.eventURL(subjectID, eventID), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", p.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return p.do(req, nil)
}

func (p *HTTPProvider) subjectURL(subjectID string) string {
	return p.baseURL + "/subjects/" + url.PathEscape(subjectID)
}

func (p *HTTPProvider) eventURL(subjectID, eventID string) string {
	return p.subjectURL(subjectID) + "/events/" + url.PathEscape(eventID)
}

func (p *HTTPProvider) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: send request: %w", p.name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented {
		return fmt.Errorf("%s: %s %s: %w", p.name, req.Method, req.URL.Path, ErrUnsupported)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s: status %d: %s", p.name, resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", p.name, err)
	}
	return nil
}
