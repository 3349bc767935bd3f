package application

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/platforma-dev/batchmigrate/log"
)

type healthReporter interface {
	Health(ctx context.Context) *Health
}

// HealthCheckHandler serves the process health as JSON. It answers 503 once
// a service has failed; the body names the service.
type HealthCheckHandler struct {
	app healthReporter
}

// NewHealthCheckHandler creates a HealthCheckHandler for app.
func NewHealthCheckHandler(app healthReporter) *HealthCheckHandler {
	return &HealthCheckHandler{app: app}
}

func (h *HealthCheckHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	health := h.app.Health(r.Context())

	code := http.StatusOK
	if health.Status != StatusOK {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)

	if r.Method == http.MethodHead {
		return
	}

	err := json.NewEncoder(w).Encode(health)
	if err != nil {
		log.ErrorContext(r.Context(), "failed to encode health", "error", err)
	}
}
