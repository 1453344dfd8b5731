package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_http_requests_total",
			Help: "Total number of HTTP requests processed by the chat service.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	wsActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_ws_active_connections",
			Help: "Number of active thread subscriptions.",
		},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_ws_events_total",
			Help: "Total number of websocket lifecycle events.",
		},
		[]string{"event"},
	)
	realtimeEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_realtime_events_total",
			Help: "Domain events published to thread topics.",
		},
		[]string{"event"},
	)
	realtimeDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_realtime_dropped_subscribers_total",
			Help: "Subscribers disconnected because their send queue was full.",
		},
	)
	cleanupJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_cleanup_jobs_total",
			Help: "Thread cleanup job outcomes.",
		},
		[]string{"outcome"},
	)
	mediaObjectsPurgedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_media_objects_purged_total",
			Help: "Media objects deleted by thread cleanup.",
		},
	)
	signingFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_signing_failures_total",
			Help: "Signed URL requests that the storage provider rejected.",
		},
		[]string{"method"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		wsActiveConnections,
		wsEventsTotal,
		realtimeEventsTotal,
		realtimeDroppedTotal,
		cleanupJobsTotal,
		mediaObjectsPurgedTotal,
		signingFailuresTotal,
		amqpPublishErrorsTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func IncWSActive() {
	wsActiveConnections.Inc()
}

func DecWSActive() {
	wsActiveConnections.Dec()
}

func IncWSEvent(event string) {
	wsEventsTotal.WithLabelValues(event).Inc()
}

func IncRealtimeEvent(event string) {
	realtimeEventsTotal.WithLabelValues(event).Inc()
}

func IncRealtimeDropped() {
	realtimeDroppedTotal.Inc()
}

func IncCleanupJob(outcome string) {
	cleanupJobsTotal.WithLabelValues(outcome).Inc()
}

func AddMediaPurged(n int) {
	if n > 0 {
		mediaObjectsPurgedTotal.Add(float64(n))
	}
}

func IncSigningFailure(method string) {
	signingFailuresTotal.WithLabelValues(method).Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}
