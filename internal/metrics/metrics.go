// Package metrics expone la instrumentación Prometheus del bot.
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
	// OrdersSent cuenta órdenes simuladas enviadas por el market maker.
	OrdersSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polycopy_mm_orders_sent_total",
		Help: "Quotes sent by the market making engine",
	}, []string{"side"})

	// Fills cuenta fills simulados por lado.
	Fills = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polycopy_mm_fills_total",
		Help: "Simulated fills by side",
	}, []string{"side"})

	// QuotePauses cuenta decisiones sin cotización por razón.
	QuotePauses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polycopy_mm_quote_pauses_total",
		Help: "Quote decisions that paused or disabled a side, by reason",
	}, []string{"reason"})

	// TradesTotal cuenta operaciones del copy trader por acción.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polycopy_copy_trades_total",
		Help: "Copy trading executions by action",
	}, []string{"action"})

	// RiskBlocks cuenta ciclos bloqueados por el risk manager.
	RiskBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polycopy_risk_blocks_total",
		Help: "Cycles blocked by the risk manager",
	})

	// GateFailures cuenta fallos del trust gate por etapa.
	GateFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polycopy_gate_failures_total",
		Help: "Trust gate failures by stage",
	}, []string{"stage"})

	// Equity es el último total reconciliado del portfolio.
	Equity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "polycopy_equity_usd",
		Help: "Reconciled portfolio value in USD",
	})

	// Cash es el cash reconciliado.
	Cash = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "polycopy_cash_usd",
		Help: "Portfolio cash in USD",
	})

	// OpenPositions es el número de lotes abiertos.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "polycopy_open_positions",
		Help: "Open ledger lots",
	})

	// CycleDuration mide la duración de cada iteración del loop.
	CycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "polycopy_cycle_duration_seconds",
		Help:    "Control loop iteration duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"loop"})

	// APIRequests cuenta peticiones salientes por host y status.
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polycopy_api_requests_total",
		Help: "Outgoing API requests by host and status",
	}, []string{"host", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polycopy_http_requests_total",
		Help: "Total HTTP requests served",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "polycopy_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler devuelve el handler HTTP de Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware registra métricas de cada request servida.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
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
