// Package metrics provides Prometheus instrumentation for the rebalancer.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CyclesTotal counts engine cycles by outcome ("ok", "error").
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lprb_cycles_total",
		Help: "Total number of rebalancing cycles",
	}, []string{"outcome"})

	// CycleDuration tracks wall time of one full cycle.
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lprb_cycle_duration_seconds",
		Help:    "Rebalancing cycle duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	// OpenPositions is the number of live positions seen by the last cycle.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lprb_open_positions",
		Help: "Number of live positions",
	})

	// PositionEvents counts lifecycle events ("mint", "increase", "close",
	// "collect", "out_of_range", "back_in_range").
	PositionEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lprb_position_events_total",
		Help: "Position lifecycle events",
	}, []string{"event"})

	// Deficit is the current deficit per symbol.
	Deficit = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lprb_ledger_current_deficit",
		Help: "Current operating-cost deficit per symbol",
	}, []string{"symbol"})

	// Holdings is the current withdrawable profit per symbol.
	Holdings = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lprb_ledger_current_holdings",
		Help: "Current profit holdings per symbol",
	}, []string{"symbol"})

	// QueueDepth is the number of tasks waiting in the serial queue.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lprb_queue_depth",
		Help: "Tasks waiting in the serial queue",
	})

	// TaskDuration tracks execution time per task name.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lprb_task_duration_seconds",
		Help:    "Serial queue task duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"task"})

	// TaskFailures counts tasks that returned an error or panicked.
	TaskFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lprb_task_failures_total",
		Help: "Serial queue task failures",
	}, []string{"task"})

	// Transactions counts confirmed transactions by kind and status.
	Transactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lprb_transactions_total",
		Help: "Submitted transactions",
	}, []string{"kind", "status"})

	// NotificationFailures counts swallowed notification errors.
	NotificationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lprb_notification_failures_total",
		Help: "Notifications that failed to send",
	})

	// WebSocketClients tracks connected operator WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lprb_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lprb_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lprb_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
