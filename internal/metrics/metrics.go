// Package metrics provides Prometheus instrumentation for the portfolio engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RefreshJobsTotal counts finished refresh jobs by terminal status and trigger.
	RefreshJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_refresh_jobs_total",
		Help: "Refresh jobs by terminal status and trigger",
	}, []string{"status", "trigger"})

	// RefreshDuration tracks the lock-guarded refresh block.
	RefreshDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portfolio_refresh_duration_seconds",
		Help:    "Refresh duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"status"})

	// LockConflicts counts refresh attempts rejected because the lock was held.
	LockConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portfolio_refresh_lock_conflicts_total",
		Help: "Refresh attempts rejected by the refresh lock",
	})

	// PricesUpdated counts closes written by price refreshes.
	PricesUpdated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portfolio_prices_updated_total",
		Help: "Daily closes written by price refreshes",
	})

	// SnapshotLatency tracks snapshot builds by computation.
	SnapshotLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portfolio_snapshot_latency_seconds",
		Help:    "Snapshot build latency in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"operation"})

	// ActiveWarnings tracks unresolved warnings after the last reconciliation.
	ActiveWarnings = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "portfolio_active_warnings",
		Help: "Unresolved warnings per scope and mode",
	}, []string{"scope", "mode"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portfolio_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portfolio_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
