// Package metrics provides Prometheus instrumentation for the margin engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersPlaced counts accepted orders, partitioned by order type.
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stlr_orders_placed_total",
		Help: "Total number of orders accepted",
	}, []string{"type"})

	// FillsTotal counts order fills, partitioned by order type.
	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stlr_fills_total",
		Help: "Total number of order fills",
	}, []string{"type"})

	// OrdersExpired counts orders expired by the fill sweep.
	OrdersExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stlr_orders_expired_total",
		Help: "Orders expired past their expiresAt",
	})

	// PositionsLiquidated counts forced liquidations by the margin monitor.
	PositionsLiquidated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stlr_positions_liquidated_total",
		Help: "Positions force-closed by the margin monitor",
	})

	// CombosSettled counts combo settlements, partitioned by outcome.
	CombosSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stlr_combos_settled_total",
		Help: "Combo positions settled or cancelled",
	}, []string{"status"})

	// RewardPointsGranted counts STLR points granted by the reward sweep.
	RewardPointsGranted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stlr_reward_points_granted_total",
		Help: "Cumulative STLR reward points granted",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stlr_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stlr_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stlr_http_request_duration_seconds",
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
