package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/eldtechnologies/questrelay/internal/metrics"
	"github.com/eldtechnologies/questrelay/internal/party"
)

// PartyPrefix is the path under which rooms are served.
const PartyPrefix = "/parties/main/"

// Metrics returns middleware that records Prometheus metrics.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// The wrapper keeps http.Hijacker so WebSocket upgrades still work.
		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(wrapped, r)

		status := wrapped.Status()
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		metrics.HTTPRequestsTotal.WithLabelValues(
			r.Method, path, strconv.Itoa(status),
		).Inc()

		metrics.HTTPRequestDuration.WithLabelValues(
			r.Method, path,
		).Observe(duration)
	})
}

// normalizePath collapses room ids to their role to avoid high cardinality.
func normalizePath(path string) string {
	if strings.HasPrefix(path, PartyPrefix) && len(path) > len(PartyPrefix) {
		role, _ := party.ParseRoomID(strings.TrimPrefix(path, PartyPrefix))
		return PartyPrefix + metricRole(role)
	}
	switch path {
	case "/", "/health", "/metrics", "/api", "/stats", "/internal/sweep":
		return path
	}
	return "other"
}
