package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfman30/comchat-platform/internal/health"
	"github.com/wolfman30/comchat-platform/pkg/logging"
)

func TestHealthLive(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHealthHandler(nil, nil).Live(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHealthReady(t *testing.T) {
	monitor := health.NewMonitor(health.DefaultConfig(), health.WithLogger(logging.Discard()))
	monitor.Sync([]string{"llama"})
	h := NewHealthHandler(monitor, logging.Discard()).
		AddCheck("postgres", func(context.Context) error { return nil })

	rec := httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ReadyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Checks["postgres"])
	assert.Equal(t, "healthy", resp.Backends["llama"])
}

func TestHealthReadyFailingCheck(t *testing.T) {
	h := NewHealthHandler(nil, logging.Discard()).
		AddCheck("postgres", func(context.Context) error { return nil }).
		AddCheck("redis", func(context.Context) error { return errors.New("connection refused") })

	rec := httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp ReadyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "unavailable", resp.Status)
	assert.Equal(t, "connection refused", resp.Checks["redis"])
	assert.Empty(t, resp.Backends)
}
