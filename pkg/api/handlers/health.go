package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/contextd/contextd/pkg/api/response"
)

// probeTimeout bounds a single readiness check.
const probeTimeout = 2 * time.Second

// Check is a named readiness probe, e.g. a storage ping or an index count.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// StatusFunc contributes extra fields to the /status response.
type StatusFunc func(ctx context.Context) map[string]any

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	checks  []Check
	status  StatusFunc
	version string
	started time.Time
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string, checks []Check, status StatusFunc) *HealthHandler {
	return &HealthHandler{
		checks:  checks,
		status:  status,
		version: version,
		started: time.Now(),
	}
}

// Health handles the /health endpoint (liveness probe).
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Ready handles the /ready endpoint (readiness probe).
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if failed := h.run(r.Context()); len(failed) > 0 {
		response.JSON(w, http.StatusServiceUnavailable, map[string]any{
			"ready":  false,
			"failed": failed,
		})
		return
	}
	response.JSON(w, http.StatusOK, map[string]bool{
		"ready": true,
	})
}

// Status handles the /status endpoint (detailed status).
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	failed := h.run(r.Context())

	components := make(map[string]string, len(h.checks))
	for _, c := range h.checks {
		components[c.Name] = "ok"
	}
	for name, err := range failed {
		components[name] = err
	}

	body := map[string]any{
		"status":     "ok",
		"version":    h.version,
		"uptime":     time.Since(h.started).Round(time.Second).String(),
		"components": components,
	}
	if len(failed) > 0 {
		body["status"] = "degraded"
	}
	if h.status != nil {
		for k, v := range h.status(r.Context()) {
			body[k] = v
		}
	}
	response.JSON(w, http.StatusOK, body)
}

// run executes all checks concurrently and returns the failures by name.
func (h *HealthHandler) run(ctx context.Context) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		failed = make(map[string]string)
	)
	for _, c := range h.checks {
		wg.Add(1)
		go func(c Check) {
			defer wg.Done()
			if err := c.Probe(ctx); err != nil {
				mu.Lock()
				failed[c.Name] = err.Error()
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()
	return failed
}
