// Package metrics holds the prometheus collectors for the outreach engine.
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
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outreach_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	activeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outreach_http_active_connections",
			Help: "Number of active HTTP connections",
		},
	)

	syncsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_syncs_total",
			Help: "Record reconciliations by outcome",
		},
		[]string{"trigger", "outcome"},
	)

	stageTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_stage_transitions_total",
			Help: "Stage changes by source and target stage",
		},
		[]string{"source", "to"},
	)

	providerCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_provider_calls_total",
			Help: "Mail provider calls by operation and result",
		},
		[]string{"op", "result"},
	)

	pushMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_push_messages_total",
			Help: "Push notifications handled by result",
		},
		[]string{"result"},
	)

	replies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_replies_total",
			Help: "Reply generation attempts by result",
		},
		[]string{"result"},
	)

	refunds = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outreach_credit_refunds_total",
			Help: "Credit refunds issued after failed reply generation",
		},
	)
)

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Metrics records request counts and latency, labelled by route pattern.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		activeConnections.Inc()
		defer activeConnections.Dec()

		rw := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(rw.statusCode)
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}

		httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// RecordSync counts one reconciliation. outcome is "ok", "debounced" or a
// sync error code.
func RecordSync(trigger, outcome string) {
	syncsTotal.WithLabelValues(trigger, outcome).Inc()
}

func RecordTransition(source, to string) {
	stageTransitions.WithLabelValues(source, to).Inc()
}

func RecordProviderCall(op, result string) {
	providerCalls.WithLabelValues(op, result).Inc()
}

func RecordPush(result string) {
	pushMessages.WithLabelValues(result).Inc()
}

func RecordReply(result string) {
	replies.WithLabelValues(result).Inc()
}

func RecordRefund() {
	refunds.Inc()
}
