package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	eventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_events_received_total",
			Help: "Events accepted for dispatch by event type",
		},
		[]string{"event_type"},
	)

	notificationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_notifications_created_total",
			Help: "Notifications persisted by event type and channel",
		},
		[]string{"event_type", "channel"},
	)

	channelsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_channels_skipped_total",
			Help: "Channels dropped during dispatch by reason",
		},
		[]string{"channel", "reason"},
	)

	notificationsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_notifications_processed_total",
			Help: "Delivery attempts by outcome and channel",
		},
		[]string{"status", "channel"},
	)

	deliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_delivery_latency_seconds",
			Help:    "Time from enqueue to a successful send",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"channel"},
	)

	terminalFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_delivery_terminal_failures_total",
			Help: "Jobs that exhausted their retry budget",
		},
		[]string{"channel"},
	)

	workersBusy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_workers_busy",
			Help: "Delivery slots currently running a send",
		},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "courier_queue_depth",
			Help: "Jobs in the delivery queue by state",
		},
		[]string{"state"},
	)

	notificationsReconciled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_notifications_reconciled_total",
			Help: "Stale notifications re-enqueued by the reconciler",
		},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "courier_circuit_breaker_state",
			Help: "Sender circuit state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"scope"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_db_connections_active",
			Help: "Active database connections",
		},
	)

	redisConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_redis_connections_active",
			Help: "Active Redis connections",
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

func RecordEventReceived(eventType string) {
	eventsReceived.WithLabelValues(eventType).Inc()
}

func RecordNotificationCreated(eventType, channel string) {
	notificationsCreated.WithLabelValues(eventType, channel).Inc()
}

// RecordChannelSkipped counts a channel dropped before a record was created.
func RecordChannelSkipped(channel, reason string) {
	channelsSkipped.WithLabelValues(channel, reason).Inc()
}

// RecordNotificationProcessed records a delivery attempt outcome
func RecordNotificationProcessed(status, channel string) {
	notificationsProcessed.WithLabelValues(status, channel).Inc()
}

func RecordDeliveryLatency(channel string, latency time.Duration) {
	deliveryLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

func RecordTerminalFailure(channel string) {
	terminalFailures.WithLabelValues(channel).Inc()
}

func SetWorkersBusy(count int) {
	workersBusy.Set(float64(count))
}

// SetQueueDepth sets the job count for one queue state (scheduled, active, failed).
func SetQueueDepth(state string, count int64) {
	queueDepth.WithLabelValues(state).Set(float64(count))
}

func RecordReconciled(count int) {
	notificationsReconciled.Add(float64(count))
}

func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(scope string) {
	rateLimitRejections.WithLabelValues(scope).Inc()
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// SetRedisConnections sets active Redis connection count
func SetRedisConnections(count int) {
	redisConnectionsActive.Set(float64(count))
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

// Middleware records request metrics labelled by the matched chi route
// pattern, so /v1/admin/notifications/{id} is one series rather than one per id.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, routePattern(r), wrapped.status, time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
