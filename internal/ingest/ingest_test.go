package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/slotwarden/slotwarden/internal/model"
	"github.com/slotwarden/slotwarden/internal/testutil"
)

func TestDecode(t *testing.T) {
	t.Parallel()
	good := `{"subject_id":"dr-1","provider":"google","window":{"start":"2026-03-02T09:00:00Z","end":"2026-03-02T09:30:00Z"}}`

	got, err := Decode([]byte(good))
	require.NoError(t, err)
	assert.Equal(t, "dr-1", got.SubjectID)
	assert.Equal(t, "google", got.Provider)
	assert.Equal(t, 30*time.Minute, got.Window.Duration())

	bad := map[string]string{
		"not json":         `{`,
		"missing subject":  `{"provider":"google","window":{"start":"2026-03-02T09:00:00Z","end":"2026-03-02T09:30:00Z"}}`,
		"missing provider": `{"subject_id":"dr-1","window":{"start":"2026-03-02T09:00:00Z","end":"2026-03-02T09:30:00Z"}}`,
		"inverted window":  `{"subject_id":"dr-1","provider":"google","window":{"start":"2026-03-02T10:00:00Z","end":"2026-03-02T09:30:00Z"}}`,
	}
	for name, value := range bad {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode([]byte(value))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestProcessDispatchesToHandler(t *testing.T) {
	t.Parallel()
	type call struct {
		subject, provider string
		window            model.Window
	}
	var calls []call
	c := newConsumer(Config{Topic: "calendar-changes"}, func(_ context.Context, subject, provider string, w model.Window) error {
		calls = append(calls, call{subject, provider, w})
		return nil
	}, testutil.TestLogger())

	err := c.process(context.Background(), &kgo.Record{
		Value: []byte(`{"subject_id":"dr-1","provider":"outlook","window":{"start":"2026-03-02T09:00:00Z","end":"2026-03-02T10:00:00Z"}}`),
	})
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "dr-1", calls[0].subject)
	assert.Equal(t, "outlook", calls[0].provider)
	assert.Equal(t, time.Hour, calls[0].window.Duration())

	err = c.process(context.Background(), &kgo.Record{Value: []byte(`nope`)})
	assert.ErrorIs(t, err, ErrMalformed)
	assert.Len(t, calls, 1)
}

func TestProcessReportsHandlerErrors(t *testing.T) {
	t.Parallel()
	boom := errors.New("calendar down")
	c := newConsumer(Config{}, func(context.Context, string, string, model.Window) error { return boom }, testutil.TestLogger())
	err := c.process(context.Background(), &kgo.Record{
		Value: []byte(`{"subject_id":"dr-1","provider":"google","window":{"start":"2026-03-02T09:00:00Z","end":"2026-03-02T09:30:00Z"}}`),
	})
	assert.ErrorIs(t, err, boom)
}

func TestNewRequiresBrokers(t *testing.T) {
	t.Parallel()
	_, err := New(Config{Topic: "calendar-changes"}, nil, testutil.TestLogger())
	assert.Error(t, err)
}
