// Package metrics provides Prometheus instrumentation for the arena.
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
	// LedgerTxTotal counts posted ledger transactions by type.
	LedgerTxTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_ledger_tx_total",
		Help: "Ledger transactions posted",
	}, []string{"type"})

	// IdempotentHits counts deduplicated requests by tier.
	IdempotentHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_idempotent_hits_total",
		Help: "Requests absorbed by the idempotency guard",
	}, []string{"tier"})

	// MovesTotal counts accepted moves by game.
	MovesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_moves_total",
		Help: "Accepted match moves",
	}, []string{"game"})

	// SettlementsTotal counts settlements by outcome kind.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_settlements_total",
		Help: "Matches settled",
	}, []string{"outcome"})

	// ReaperSweeps counts reaper actions by kind.
	ReaperSweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_reaper_actions_total",
		Help: "Matches force-resolved or cancelled by the reaper",
	}, []string{"action"})

	// RiskFlags counts risk monitor flags by reason.
	RiskFlags = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_risk_flags_total",
		Help: "Risk flags emitted",
	}, []string{"reason"})

	// WebSocketClients tracks connected websocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arena_websocket_clients",
		Help: "Connected websocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arena_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request count and duration.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
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
