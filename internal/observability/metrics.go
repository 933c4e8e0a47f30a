package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets     = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	deliveryDurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
)

// Metrics holds all Prometheus metric instruments for the service. A nil
// *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Work-order metrics
	TransitionsTotal    *prometheus.CounterVec
	TransitionDuration  *prometheus.HistogramVec
	InstancesCreated    *prometheus.CounterVec
	EventsPublished     *prometheus.CounterVec
	EventPublishFailure *prometheus.CounterVec

	// Notification metrics
	NotificationsEnqueued  *prometheus.CounterVec
	DeliveryAttemptsTotal  *prometheus.CounterVec
	DeliveryDuration       *prometheus.HistogramVec
	QueueClaimed           *prometheus.CounterVec
	QueueReclaimed         prometheus.Counter
	ChannelBreakerState    *prometheus.GaugeVec
	DirectoryCacheHits     prometheus.Counter
	DirectoryCacheMisses   prometheus.Counter
	DefinitionsLoaded      prometheus.Gauge
	IdempotencyReplays     prometheus.Counter
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workorder_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "workorder_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workorder_transitions_total",
			Help: "Transition attempts by process, action and outcome code.",
		}, []string{"process_id", "action", "outcome"}),
		TransitionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "workorder_transition_duration_seconds",
			Help:    "Time spent validating and committing a transition.",
			Buckets: httpDurationBuckets,
		}, []string{"process_id"}),
		InstancesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workorder_instances_created_total",
			Help: "Work-order instances created.",
		}, []string{"process_id"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workorder_events_published_total",
			Help: "Lifecycle events published.",
		}, []string{"event_type"}),
		EventPublishFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workorder_event_publish_failures_total",
			Help: "Lifecycle events that could not be published.",
		}, []string{"event_type"}),

		NotificationsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workorder_notifications_enqueued_total",
			Help: "Queue items created by the rule matcher.",
		}, []string{"channel", "event_type"}),
		DeliveryAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workorder_delivery_attempts_total",
			Help: "Delivery attempts by channel and outcome.",
		}, []string{"channel", "outcome"}),
		DeliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "workorder_delivery_duration_seconds",
			Help:    "Duration of a single delivery attempt.",
			Buckets: deliveryDurationBuckets,
		}, []string{"channel"}),
		QueueClaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workorder_queue_claimed_total",
			Help: "Queue items claimed by dispatchers.",
		}, []string{"channel", "kind"}),
		QueueReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workorder_queue_reclaimed_total",
			Help: "Stale processing items returned to pending.",
		}),
		ChannelBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "workorder_channel_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"channel"}),
		DirectoryCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workorder_directory_cache_hits_total",
			Help: "Identity directory cache hits.",
		}),
		DirectoryCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workorder_directory_cache_misses_total",
			Help: "Identity directory cache misses.",
		}),
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "workorder_processes_loaded",
			Help: "Number of loaded process definitions.",
		}),
		IdempotencyReplays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workorder_idempotency_replays_total",
			Help: "Requests answered from the idempotency store.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.TransitionsTotal,
		m.TransitionDuration,
		m.InstancesCreated,
		m.EventsPublished,
		m.EventPublishFailure,
		m.NotificationsEnqueued,
		m.DeliveryAttemptsTotal,
		m.DeliveryDuration,
		m.QueueClaimed,
		m.QueueReclaimed,
		m.ChannelBreakerState,
		m.DirectoryCacheHits,
		m.DirectoryCacheMisses,
		m.DefinitionsLoaded,
		m.IdempotencyReplays,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordTransition records one transition attempt. outcome is "ok" or the
// error code that rejected it.
func (m *Metrics) RecordTransition(processID, action, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(processID, action, outcome).Inc()
	m.TransitionDuration.WithLabelValues(processID).Observe(duration.Seconds())
}

// RecordInstanceCreated records an instance creation.
func (m *Metrics) RecordInstanceCreated(processID string) {
	if m == nil {
		return
	}
	m.InstancesCreated.WithLabelValues(processID).Inc()
}

// RecordEventPublished records a lifecycle event publish result.
func (m *Metrics) RecordEventPublished(eventType string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.EventPublishFailure.WithLabelValues(eventType).Inc()
		return
	}
	m.EventsPublished.WithLabelValues(eventType).Inc()
}

// RecordEnqueued records queue items produced for an event.
func (m *Metrics) RecordEnqueued(channel, eventType string) {
	if m == nil {
		return
	}
	m.NotificationsEnqueued.WithLabelValues(channel, eventType).Inc()
}

// RecordDelivery records one delivery attempt.
func (m *Metrics) RecordDelivery(channel, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DeliveryAttemptsTotal.WithLabelValues(channel, outcome).Inc()
	m.DeliveryDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

// RecordClaimed records claimed queue items. kind is "fresh" or "retry".
func (m *Metrics) RecordClaimed(channel, kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.QueueClaimed.WithLabelValues(channel, kind).Add(float64(n))
}

// RecordReclaimed records stale items returned to pending.
func (m *Metrics) RecordReclaimed(n int) {
	if m == nil || n == 0 {
		return
	}
	m.QueueReclaimed.Add(float64(n))
}

// SetChannelBreakerState sets the circuit breaker state for a channel.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetChannelBreakerState(channel string, state float64) {
	if m == nil {
		return
	}
	m.ChannelBreakerState.WithLabelValues(channel).Set(state)
}

// RecordDirectoryCache records an identity directory cache lookup.
func (m *Metrics) RecordDirectoryCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.DirectoryCacheHits.Inc()
	} else {
		m.DirectoryCacheMisses.Inc()
	}
}

// SetDefinitionsLoaded sets the number of loaded process definitions.
func (m *Metrics) SetDefinitionsLoaded(count float64) {
	if m == nil {
		return
	}
	m.DefinitionsLoaded.Set(count)
}

// RecordIdempotencyReplay records a response served from the idempotency store.
func (m *Metrics) RecordIdempotencyReplay() {
	if m == nil {
		return
	}
	m.IdempotencyReplays.Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware records one observation per request, labelled by the
// chi route pattern so path parameters do not become label values.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.RecordHTTPRequest(r.Method, routePattern(r), status, time.Since(start))
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}
