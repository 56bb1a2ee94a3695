// Package health provides HTTP liveness and readiness endpoints.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Check represents a health check function
type Check func(context.Context) error

// CheckResult represents a single check result
type CheckResult struct {
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Duration int64  `json:"duration_ms"`
}

// Response represents a health check response
type Response struct {
	Status    string                 `json:"status"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Uptime    string                 `json:"uptime"`
	Timestamp time.Time              `json:"timestamp"`
}

// Handler provides health check HTTP endpoints
type Handler struct {
	mu        sync.RWMutex
	checks    map[string]Check
	startTime time.Time
}

// NewHandler creates a new health handler
func NewHandler() *Handler {
	return &Handler{
		checks:    make(map[string]Check),
		startTime: time.Now(),
	}
}

// AddCheck adds a readiness check
func (h *Handler) AddCheck(name string, check Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Routes registers the health endpoints on a mux
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.handleLiveness)
	mux.HandleFunc("/readyz", h.handleReadiness)
}

// handleLiveness reports process liveness without running checks
func (h *Handler) handleLiveness(w http.ResponseWriter, r *http.Request) {
	h.write(w, http.StatusOK, Response{
		Status:    "ok",
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Timestamp: time.Now(),
	})
}

// handleReadiness runs all registered checks and fails if any fail
func (h *Handler) handleReadiness(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	checks := make(map[string]Check, len(h.checks))
	for name, c := range h.checks {
		checks[name] = c
	}
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := Response{
		Status:    "ok",
		Checks:    make(map[string]CheckResult, len(checks)),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Timestamp: time.Now(),
	}

	code := http.StatusOK
	for name, check := range checks {
		start := time.Now()
		err := check(ctx)
		result := CheckResult{
			Status:   "ok",
			Duration: time.Since(start).Milliseconds(),
		}
		if err != nil {
			result.Status = "failed"
			result.Error = err.Error()
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		resp.Checks[name] = result
	}

	h.write(w, code, resp)
}

func (h *Handler) write(w http.ResponseWriter, code int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

// Serve runs the health endpoints on the given port until the context
// is cancelled.
func (h *Handler) Serve(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	h.Routes(mux)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("health server failed: %w", err)
	}
	return nil
}
