package handlers

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/wolfman30/comchat-platform/internal/health"
	"github.com/wolfman30/comchat-platform/pkg/logging"
)

// Check is one readiness dependency.
type Check func(ctx context.Context) error

// HealthHandler serves liveness and readiness.
type HealthHandler struct {
	mu       sync.RWMutex
	checks   map[string]Check
	backends interface{ Snapshot() map[string]health.State }
	timeout  time.Duration
	logger   *logging.Logger
}

// NewHealthHandler creates a handler. monitor may be nil.
func NewHealthHandler(monitor *health.Monitor, logger *logging.Logger) *HealthHandler {
	if logger == nil {
		logger = logging.Default()
	}
	h := &HealthHandler{checks: make(map[string]Check), timeout: 2 * time.Second, logger: logger}
	if monitor != nil {
		h.backends = monitor
	}
	return h
}

// AddCheck registers a named readiness check.
func (h *HealthHandler) AddCheck(name string, check Check) *HealthHandler {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
	return h
}

// Live handles GET /health.
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadyResponse is the body of GET /ready.
type ReadyResponse struct {
	Status   string            `json:"status"`
	Checks   map[string]string `json:"checks"`
	Backends map[string]string `json:"backends,omitempty"`
}

// Ready handles GET /ready. Any failing dependency check makes it 503;
// backend states are informational since routing tolerates down backends.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	checks := make([]Check, len(names))
	for i, name := range names {
		checks[i] = h.checks[name]
	}
	h.mu.RUnlock()

	resp := ReadyResponse{Status: "ok", Checks: make(map[string]string, len(names))}
	for i, name := range names {
		if err := checks[i](ctx); err != nil {
			h.logger.Warn("readiness check failed", "check", name, "error", err)
			resp.Checks[name] = err.Error()
			resp.Status = "unavailable"
			continue
		}
		resp.Checks[name] = "ok"
	}
	if h.backends != nil {
		snap := h.backends.Snapshot()
		resp.Backends = make(map[string]string, len(snap))
		for name, state := range snap {
			resp.Backends[name] = state.String()
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
