package health

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Handler serves the probe endpoints. Both run the checks inline so the
// answer reflects the dependencies right now, bounded by the manager's
// per-check timeout.
type Handler struct {
	manager *Manager
	logger  *zap.Logger
}

// NewHandler creates the probe handler.
func NewHandler(manager *Manager, logger *zap.Logger) *Handler {
	return &Handler{manager: manager, logger: logger}
}

// RegisterRoutes mounts the probes on the admin mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /readyz", h.handleReadyz)
}

// handleHealthz answers liveness with the full component breakdown.
func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	detailed := h.manager.Check(r.Context())

	code := http.StatusOK
	if !detailed.Overall.Live {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, detailed)
}

// handleReadyz answers readiness for load balancer rotation.
func (h *Handler) handleReadyz(w http.ResponseWriter, r *http.Request) {
	overall := h.manager.Check(r.Context()).Overall

	code := http.StatusOK
	status := "ready"
	if !overall.Ready {
		code = http.StatusServiceUnavailable
		status = "not ready"
	}
	h.writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"ready":     overall.Ready,
		"message":   overall.Message,
		"timestamp": time.Now().Unix(),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
	}
}
