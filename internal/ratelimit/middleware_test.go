package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slotwarden/slotwarden/internal/model"
)

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (bool, error) { return false, errors.New("redis down") }
func (brokenLimiter) Close() error                                { return nil }

func serve(t *testing.T, h http.Handler, remote string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/v1/resolutions", nil)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareRejectsOverLimit(t *testing.T) {
	m, _ := newClockedLimiter(t, 1, 1)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := Middleware(m, IPKeyFunc, func(*http.Request) string { return "req-1" }, logger)(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }))

	assert.Equal(t, http.StatusNoContent, serve(t, h, "10.0.0.1:5000").Code)

	rec := serve(t, h, "10.0.0.1:5001")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	var body model.APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, model.ErrCodeRateLimited, body.Error.Code)
	assert.Equal(t, "req-1", body.Meta.RequestID)

	// A different address has its own bucket.
	assert.Equal(t, http.StatusNoContent, serve(t, h, "10.0.0.2:5000").Code)
}

func TestMiddlewareFailsOpen(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := Middleware(brokenLimiter{}, IPKeyFunc, nil, logger)(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }))
	assert.Equal(t, http.StatusNoContent, serve(t, h, "10.0.0.1:5000").Code)
}

func TestMiddlewareSkipsEmptyKey(t *testing.T) {
	m, _ := newClockedLimiter(t, 1, 1)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := Middleware(m, func(*http.Request) string { return "" }, nil, logger)(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }))
	for range 5 {
		assert.Equal(t, http.StatusNoContent, serve(t, h, "10.0.0.1:5000").Code)
	}
}

func TestIPKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[::1]:8080"
	assert.Equal(t, "ip:::1", IPKeyFunc(req))
	req.RemoteAddr = "unix"
	assert.Equal(t, "ip:unix", IPKeyFunc(req))
}
