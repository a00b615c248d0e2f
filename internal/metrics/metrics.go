// Package metrics provides Prometheus instrumentation for the fill ledger.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FillsRecorded counts fills written to the ledger, partitioned by
	// action and whether the fill opened or closed a leg.
	FillsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "filledger_fills_recorded_total",
		Help: "Fills written to the position ledger",
	}, []string{"action", "effect"})

	// FillsDeduplicated counts idempotent hits.
	FillsDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "filledger_fills_deduplicated_total",
		Help: "Fills short-circuited by an existing event key or broker execution id",
	})

	// FillsRejected counts validation failures and persistence errors.
	FillsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "filledger_fills_rejected_total",
		Help: "Fills that could not be recorded",
	}, []string{"reason"})

	// OverCloseSplits counts closing fills split into a close and a new open.
	OverCloseSplits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "filledger_overclose_splits_total",
		Help: "Closing fills that exceeded the open quantity and were split",
	})

	// GroupsClosed counts OPEN→CLOSED transitions.
	GroupsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "filledger_groups_closed_total",
		Help: "Position groups closed after every leg went flat",
	})

	// RecordLatency tracks RecordFill duration.
	RecordLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "filledger_record_fill_seconds",
		Help:    "RecordFill latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// StoreRetries counts retried store calls.
	StoreRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "filledger_store_retries_total",
		Help: "Store calls retried after a transient failure",
	})

	// SimulatedTicks counts simulator outcomes by status and reason.
	SimulatedTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "filledger_sim_ticks_total",
		Help: "Fill simulator outcomes",
	}, []string{"status", "reason"})

	// ReconcileBreaks counts breaks found, by type.
	ReconcileBreaks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "filledger_reconcile_breaks_total",
		Help: "Reconciliation breaks detected",
	}, []string{"type"})

	// JobRuns counts batch job runs by job and overall status.
	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "filledger_job_runs_total",
		Help: "Batch job runs",
	}, []string{"job", "status"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "filledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "filledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "filledger_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
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
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
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
