// Package metrics provides Prometheus instrumentation for the assistant.
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
	// RecomputeRuns counts entry recompute batches by outcome.
	RecomputeRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assistant_entry_recompute_runs_total",
		Help: "Entry recompute batches by outcome",
	}, []string{"outcome"})

	// RecomputeDuration tracks how long a recompute batch takes.
	RecomputeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "assistant_entry_recompute_duration_seconds",
		Help:    "Entry recompute batch duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	// SkippedWindows counts trade-log windows skipped after a fetch failure.
	SkippedWindows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "assistant_trade_windows_skipped_total",
		Help: "Trade-log windows skipped after a transient fetch failure",
	})

	// TruncatedWindows counts windows that still hit the page cap at the
	// minimum split span, meaning records may be missing.
	TruncatedWindows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "assistant_trade_windows_truncated_total",
		Help: "Trade-log windows that hit the page cap and could not be split further",
	})

	// DiscardedTrades counts raw trades dropped as invalid input.
	DiscardedTrades = promauto.NewCounter(prometheus.CounterOpts{
		Name: "assistant_trades_discarded_total",
		Help: "Raw trades discarded for unparsable or negative values",
	})

	// CorruptStoreLoads counts documents that loaded as empty because they
	// could not be decoded.
	CorruptStoreLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assistant_store_corrupt_loads_total",
		Help: "Entry store loads that recovered from unreadable state",
	}, []string{"store"})

	// ManualEntryChanges counts manual override edits by action.
	ManualEntryChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assistant_manual_entry_changes_total",
		Help: "Manual entry overrides set or cleared",
	}, []string{"action"})

	// OrdersTotal counts market orders by status (DRY_RUN, FILLED, ERROR).
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assistant_orders_total",
		Help: "Market orders by status",
	}, []string{"status"})

	// LimitRejections counts orders rejected by the budget limiter.
	LimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "assistant_order_limit_rejections_total",
		Help: "Orders rejected by the budget limiter",
	})

	// ExchangeRequests counts exchange API calls by endpoint and result.
	ExchangeRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assistant_exchange_requests_total",
		Help: "Exchange API requests by endpoint and result",
	}, []string{"endpoint", "result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "assistant_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assistant_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "assistant_http_request_duration_seconds",
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
