// Package metrics provides Prometheus instrumentation for the futures
// engine.
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
	// PositionsOpened counts positions opened, partitioned by direction.
	PositionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "futures_positions_opened_total",
		Help: "Total number of positions opened",
	}, []string{"direction"})

	// Settlements counts terminal settlements by kind
	// (close, expire, liquidate).
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "futures_settlements_total",
		Help: "Total number of position settlements",
	}, []string{"kind"})

	// SettlementLatency tracks settlement execution latency by kind.
	SettlementLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "futures_settlement_latency_seconds",
		Help:    "Settlement execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// OpenPositions tracks the number of currently open positions.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "futures_open_positions",
		Help: "Number of currently open positions",
	})

	// LiquidationRejections counts liquidation attempts rejected because
	// the payout was at or above the maintenance threshold.
	LiquidationRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "futures_liquidation_rejections_total",
		Help: "Liquidation attempts rejected by the maintenance gate",
	})

	// PoolBalance tracks the custody pool balance in smallest asset units.
	PoolBalance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "futures_custody_pool_balance",
		Help: "Custody pool balance in smallest asset units",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "futures_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "futures_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "futures_http_request_duration_seconds",
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

		// Use the raw path for the label; the API surface is small and
		// fixed, so cardinality stays bounded.
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
