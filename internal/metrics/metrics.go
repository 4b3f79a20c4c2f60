// Package metrics provides Prometheus instrumentation for the payment engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PurchaseInitiations counts quotes handed out, partitioned by outcome.
	PurchaseInitiations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "photopay_purchase_initiations_total",
		Help: "Total purchase initiations",
	}, []string{"outcome"})

	// Confirmations counts confirm requests by resulting status.
	Confirmations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "photopay_confirmations_total",
		Help: "Total purchase confirmations by outcome",
	}, []string{"outcome"})

	// ConfirmationLatency tracks end-to-end confirm latency, ledger reads included.
	ConfirmationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "photopay_confirmation_latency_seconds",
		Help:    "Purchase confirmation latency in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	// VerifierDecisions counts verification verdicts by reason ("verified" on success).
	VerifierDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "photopay_verifier_decisions_total",
		Help: "Transaction verification decisions",
	}, []string{"reason"})

	// LedgerRequests counts ledger RPC calls by method and outcome.
	LedgerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "photopay_ledger_requests_total",
		Help: "Total ledger RPC requests",
	}, []string{"method", "outcome"})

	// LedgerLatency tracks ledger RPC round-trip time by method.
	LedgerLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "photopay_ledger_latency_seconds",
		Help:    "Ledger RPC latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	// LedgerRetries counts retried ledger reads during confirmation.
	LedgerRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "photopay_ledger_retries_total",
		Help: "Ledger reads retried during confirmation",
	})

	// GatewayDegradations counts gateway calls that fell back to unoptimized.
	GatewayDegradations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "photopay_gateway_degradations_total",
		Help: "Gateway operations that degraded gracefully",
	}, []string{"op", "reason"})

	// EventsPublished counts purchase events handed to publishers.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "photopay_events_published_total",
		Help: "Purchase events published by sink and outcome",
	}, []string{"sink", "outcome"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "photopay_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "photopay_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "photopay_http_request_duration_seconds",
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
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps wallet and signature values out of the labels.
		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status(ww))).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// status reports 200 when the handler never wrote a header, which includes
// hijacked WebSocket connections.
func status(ww middleware.WrapResponseWriter) int {
	if ww.Status() == 0 {
		return http.StatusOK
	}
	return ww.Status()
}
