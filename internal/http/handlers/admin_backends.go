package handlers

import (
	"context"
	"net/http"
	"sort"

	"github.com/wolfman30/comchat-platform/internal/backend"
	"github.com/wolfman30/comchat-platform/internal/health"
	"github.com/wolfman30/comchat-platform/pkg/logging"
)

// BackendLister exposes the live backend configuration.
type BackendLister interface {
	Descriptors() []backend.Descriptor
}

// StateSource reports backend liveness.
type StateSource interface {
	Status(name string) health.State
}

// Reloader re-reads backend configuration from its source.
type Reloader interface {
	Reload(ctx context.Context) error
}

// AdminBackendsHandler serves the backend list and reload endpoints.
type AdminBackendsHandler struct {
	backends BackendLister
	states   StateSource
	reloader Reloader
	logger   *logging.Logger
}

// NewAdminBackendsHandler creates the handler. reloader may be nil when
// backends are not file-backed.
func NewAdminBackendsHandler(backends BackendLister, states StateSource, reloader Reloader, logger *logging.Logger) *AdminBackendsHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminBackendsHandler{backends: backends, states: states, reloader: reloader, logger: logger}
}

// BackendView is one backend as reported to operators.
type BackendView struct {
	Name       string             `json:"name"`
	Provider   string             `json:"provider"`
	Model      string             `json:"model"`
	Endpoint   string             `json:"endpoint,omitempty"`
	Modalities []backend.Modality `json:"modalities"`
	Local      bool               `json:"local"`
	Priority   int                `json:"priority"`
	TimeoutMs  int64              `json:"timeout_ms,omitempty"`
	State      string             `json:"state"`
}

// BackendsResponse is the body of GET /admin/backends.
type BackendsResponse struct {
	Backends []BackendView `json:"backends"`
}

// List handles GET /admin/backends.
func (h *AdminBackendsHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, BackendsResponse{Backends: h.views()})
}

// Reload handles POST /admin/backends/reload.
func (h *AdminBackendsHandler) Reload(w http.ResponseWriter, r *http.Request) {
	if h.reloader == nil {
		jsonError(w, "backend reload not configured", http.StatusNotImplemented)
		return
	}
	if err := h.reloader.Reload(r.Context()); err != nil {
		h.logger.Warn("admin backend reload rejected", "error", err)
		jsonError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	views := h.views()
	h.logger.Info("backends reloaded by admin", "count", len(views))
	writeJSON(w, http.StatusOK, BackendsResponse{Backends: views})
}

func (h *AdminBackendsHandler) views() []BackendView {
	descs := h.backends.Descriptors()
	out := make([]BackendView, 0, len(descs))
	for _, d := range descs {
		state := health.StateHealthy
		if h.states != nil {
			state = h.states.Status(d.Name)
		}
		out = append(out, BackendView{
			Name:       d.Name,
			Provider:   d.Provider,
			Model:      d.Model,
			Endpoint:   d.Endpoint,
			Modalities: d.Modalities,
			Local:      d.Local,
			Priority:   d.Priority,
			TimeoutMs:  d.Timeout.Milliseconds(),
			State:      state.String(),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}
