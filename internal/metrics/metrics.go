// Package metrics provides Prometheus instrumentation for the market engine.
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
	// TradesTotal counts executed trades, partitioned by type (BUY/SELL).
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emx_trades_total",
		Help: "Total number of trades executed",
	}, []string{"type"})

	// TradeLatency tracks trade execution latency.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "emx_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// SettlementsTotal counts settled markets.
	SettlementsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emx_settlements_total",
		Help: "Total number of markets settled",
	})

	// SettlementPayoutTotal accumulates energy paid out at settlement.
	SettlementPayoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emx_settlement_payout_total",
		Help: "Cumulative settlement payout in energy units",
	})

	// OpenMarkets tracks the number of currently open markets.
	OpenMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "emx_open_markets",
		Help: "Number of currently open markets",
	})

	// AirdropRecipientsTotal counts users credited by airdrops.
	AirdropRecipientsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emx_airdrop_recipients_total",
		Help: "Total users credited by airdrops",
	})

	// DailyCostDebitsTotal counts daily-cost debits applied, by role.
	DailyCostDebitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emx_daily_cost_debits_total",
		Help: "Daily cost debits applied",
	}, []string{"role"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "emx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "emx_http_request_duration_seconds",
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

		// Use the raw path for the label; route cardinality is small.
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
