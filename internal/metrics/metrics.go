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
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clairon_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clairon_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	messagesQueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clairon_messages_queued_total",
			Help: "Total messages queued by event kind",
		},
		[]string{"kind"},
	)

	messagesDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clairon_messages_dispatched_total",
			Help: "Total dispatch outcomes by status and channel",
		},
		[]string{"status", "channel"},
	)

	deliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clairon_delivery_latency_seconds",
			Help:    "Time from enqueue to delivery",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"channel"},
	)

	devicesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clairon_device_sends_total",
			Help: "Per-device push send outcomes",
		},
		[]string{"platform", "outcome"},
	)

	subscriptionsPruned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clairon_subscriptions_pruned_total",
			Help: "Push subscriptions removed after permanent failures",
		},
		[]string{"platform"},
	)

	dispatchCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clairon_dispatch_cycles_total",
			Help: "Dispatch cycles by origin (ticker, http, inline)",
		},
		[]string{"origin"},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clairon_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"institution_id"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clairon_db_connections_active",
			Help: "Active database connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordQueued records queued outbox rows for an event kind
func RecordQueued(kind string, n int) {
	messagesQueued.WithLabelValues(kind).Add(float64(n))
}

// RecordDispatched records one dispatch outcome
func RecordDispatched(status, channel string) {
	messagesDispatched.WithLabelValues(status, channel).Inc()
}

// RecordDeliveryLatency records end-to-end delivery time
func RecordDeliveryLatency(channel string, latency time.Duration) {
	deliveryLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// RecordDeviceSend records a per-device push outcome
func RecordDeviceSend(platform, outcome string) {
	devicesSent.WithLabelValues(platform, outcome).Inc()
}

// RecordSubscriptionPruned records a pruned push subscription
func RecordSubscriptionPruned(platform string) {
	subscriptionsPruned.WithLabelValues(platform).Inc()
}

// RecordDispatchCycle records a dispatch cycle by origin
func RecordDispatchCycle(origin string) {
	dispatchCycles.WithLabelValues(origin).Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(institutionID string) {
	rateLimitRejections.WithLabelValues(institutionID).Inc()
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
