package calendar_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slotwarden/slotwarden/internal/calendar"
	"github.com/slotwarden/slotwarden/internal/model"
)

var (
	start  = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	window = model.Window{Start: start, End: start.Add(time.Hour)}
	quiet  = slog.New(slog.NewTextHandler(io.Discard, nil))
)

func TestRegistrySkipsFailingProviders(t *testing.T) {
	google := calendar.NewMemory("google")
	google.Put(model.ExternalEvent{ID: "g1", SubjectID: "dr-a", Window: window})

	outlook := calendar.NewMemory("outlook")
	outlook.FailWith(errors.New("connection refused"))

	slow := calendar.NewMemory("ical")
	slow.SetDelay(time.Second)

	reg := calendar.NewRegistry(50*time.Millisecond, quiet, google, outlook, slow)
	got := reg.CheckAvailability(context.Background(), "dr-a", window, nil)

	require.Len(t, got, 1)
	assert.Equal(t, "google", got[0].Provider)
	assert.False(t, got[0].Available)
	require.Len(t, got[0].Events, 1)
	assert.Equal(t, "g1", got[0].Events[0].ID)
}

func TestRegistryHonorsProviderSelection(t *testing.T) {
	a := calendar.NewMemory("google")
	b := calendar.NewMemory("outlook")
	reg := calendar.NewRegistry(0, quiet, a, b)

	got := reg.CheckAvailability(context.Background(), "dr-a", window, []string{"outlook", "missing"})
	require.Len(t, got, 1)
	assert.Equal(t, "outlook", got[0].Provider)
	assert.True(t, got[0].Available)
	assert.Equal(t, []string{"google", "outlook"}, reg.Names())
}

func TestRegistryWriter(t *testing.T) {
	mem := calendar.NewMemory("google")
	mem.Put(model.ExternalEvent{ID: "g1", SubjectID: "dr-a", Window: window})
	reg := calendar.NewRegistry(0, quiet, mem)

	w, ok := reg.Writer("google")
	require.True(t, ok)
	require.NoError(t, w.CancelEvent(context.Background(), "dr-a", "g1"))
	ev, _ := mem.Event("g1")
	assert.True(t, ev.Cancelled())

	_, ok = reg.Writer("outlook")
	assert.False(t, ok)
}

func TestHTTPProvider(t *testing.T) {
	var gotAuth, gotPatch string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/subjects/dr-a/availability":
			assert.Equal(t, model.FormatTime(window.Start), r.URL.Query().Get("start"))
			_ = json.NewEncoder(w).Encode(map[string]any{
				"available": false,
				"events": []map[string]any{{
					"id": "e1", "status": "confirmed",
					"window": map[string]any{"start": window.Start, "end": window.End},
				}},
			})
		case r.Method == http.MethodPatch && r.URL.Path == "/subjects/dr-a/events/e1":
			body, _ := io.ReadAll(r.Body)
			gotPatch = string(body)
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNotImplemented)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := calendar.NewHTTPProvider("google", srv.URL+"/", "tok")
	avail, err := p.CheckAvailability(context.Background(), "dr-a", window)
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.False(t, avail.Available)
	require.Len(t, avail.Events, 1)
	assert.Equal(t, "google", avail.Events[0].Provider)
	assert.Equal(t, "dr-a", avail.Events[0].SubjectID)
	assert.True(t, avail.Events[0].Window.Equal(window))

	require.NoError(t, p.UpdateEvent(context.Background(), "dr-a", "e1", window.Shift(time.Hour)))
	assert.Contains(t, gotPatch, `"start"`)

	err = p.CancelEvent(context.Background(), "dr-a", "e1")
	assert.ErrorIs(t, err, calendar.ErrUnsupported)
}
