package handlers

import (
	"context"
	"net/http"
	"os"
	"time"
)

const version = "0.1.0"

// Check represents the status of a health check.
type Check struct {
	Status  string `json:"status"`            // "pass" or "fail"
	Latency string `json:"latency,omitempty"` // e.g., "2ms"
	Message string `json:"message,omitempty"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string           `json:"status"` // "healthy" or "degraded"
	Version   string           `json:"version"`
	Region    string           `json:"region,omitempty"`
	Instance  string           `json:"instance,omitempty"`
	Checks    map[string]Check `json:"checks"`
	Timestamp string           `json:"timestamp"`
}

// Health handles the health check endpoint.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]Check)
	allHealthy := true

	if h.backend != nil {
		start := time.Now()
		if err := h.backend.Ping(ctx); err != nil {
			checks["storage"] = Check{Status: "fail", Message: h.driver + " unreachable"}
			allHealthy = false
		} else {
			checks["storage"] = Check{Status: "pass", Latency: time.Since(start).String(), Message: h.driver}
		}
	} else {
		checks["storage"] = Check{Status: "fail", Message: "not configured"}
		allHealthy = false
	}

	// The ledger is only read on deal joins; a missing RPC URL means the
	// in-memory ledger is in use.
	if h.ledgerURL != "" {
		checks["ledger"] = Check{Status: "pass", Message: "rpc"}
	} else {
		checks["ledger"] = Check{Status: "pass", Message: "memory"}
	}

	status := "healthy"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	h.JSON(w, statusCode, HealthResponse{
		Status:    status,
		Version:   version,
		Region:    os.Getenv("FLY_REGION"),
		Instance:  os.Getenv("FLY_ALLOC_ID"),
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// RootResponse represents the API info response.
type RootResponse struct {
	Name      string   `json:"name"`
	Version   string   `json:"version"`
	Endpoints []string `json:"endpoints"`
}

// Root handles the API info endpoint.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, RootResponse{
		Name:    "questrelay",
		Version: version,
		Endpoints: []string{
			"GET|POST|OPTIONS /parties/main/{roomID}",
			"GET /health",
			"GET /stats",
			"GET /metrics",
			"POST /internal/sweep",
		},
	})
}
