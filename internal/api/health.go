package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/chatline/internal/store"
	"github.com/go-chi/chi/v5"
)

const defaultHealthTimeout = 5 * time.Second

// Check reports whether a dependency is reachable.
type Check func(ctx context.Context) error

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo    store.Repository
	timeout time.Duration
	names   []string
	checks  map[string]Check
}

// NewHealthHandler creates a new health handler. The database is always checked.
func NewHealthHandler(repo store.Repository) *HealthHandler {
	return &HealthHandler{repo: repo, timeout: defaultHealthTimeout, checks: map[string]Check{}}
}

// AddCheck registers an additional dependency check under name.
func (h *HealthHandler) AddCheck(name string, check Check) {
	if _, ok := h.checks[name]; !ok {
		h.names = append(h.names, name)
	}
	h.checks[name] = check
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok", "database": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err, "check", "database")
		checks["database"] = "unreachable"
		status["status"] = "degraded"
		statusCode = http.StatusServiceUnavailable
	}
	for _, name := range h.names {
		checks[name] = "ok"
		if err := h.checks[name](ctx); err != nil {
			slog.Error("Health check failed", "error", err, "check", name)
			checks[name] = "unreachable"
			status["status"] = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}
