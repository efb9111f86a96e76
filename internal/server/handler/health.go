package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Pinger checks connectivity to one backing dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves the health-check endpoint. Each named dependency is
// pinged on every request; one failing dependency degrades the status but
// still answers 200 so load balancers keep routing read traffic.
type HealthHandler struct {
	deps   map[string]Pinger
	logger *slog.Logger
}

func NewHealthHandler(deps map[string]Pinger, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{deps: deps, logger: logger}
}

// HealthCheck responds with the overall status and per-dependency results.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ok"
	checks := make(map[string]string, len(h.deps))
	for name, dep := range h.deps {
		if err := dep.Ping(ctx); err != nil {
			checks[name] = err.Error()
			status = "degraded"
			h.logger.Warn("health check dependency failed",
				slog.String("dependency", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		checks[name] = "ok"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
