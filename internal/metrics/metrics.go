// Package metrics provides Prometheus instrumentation for the margin engine.
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
	// LedgerMutations counts applied balance changes by change type.
	LedgerMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marginbook_ledger_mutations_total",
		Help: "Ledger entries appended, by change type",
	}, []string{"change_type"})

	// LedgerReplays counts mutations answered from an existing reference.
	LedgerReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marginbook_ledger_replays_total",
		Help: "Ledger requests resolved by idempotency reference",
	})

	PositionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marginbook_positions_opened_total",
		Help: "Positions opened, by order type",
	}, []string{"order_type"})

	PositionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marginbook_positions_closed_total",
		Help: "Positions closed, by close reason",
	}, []string{"reason"})

	// StateConflicts counts transitions lost to a concurrent writer.
	StateConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marginbook_state_conflicts_total",
		Help: "Position transitions rejected because the status already moved",
	}, []string{"operation"})

	MarginRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marginbook_margin_rejections_total",
		Help: "Orders rejected or cancelled for insufficient margin",
	})

	SweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "marginbook_sweep_duration_seconds",
		Help:    "Duration of one sweep batch",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"task"})

	// SweepItems counts sweep items by task and outcome (processed, skipped, failed).
	SweepItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marginbook_sweep_items_total",
		Help: "Items handled by sweep tasks",
	}, []string{"task", "outcome"})

	StaleTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marginbook_stale_ticks_total",
		Help: "Price lookups rejected because the latest tick was missing or too old",
	}, []string{"symbol"})

	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marginbook_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marginbook_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "marginbook_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request count and latency per route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}
