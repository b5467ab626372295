// Package metrics provides Prometheus instrumentation for the NoorGuard engine.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "noorguard",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "noorguard",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EventsIngestedTotal counts accepted telemetry events by type.
	EventsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "noorguard",
			Name:      "events_ingested_total",
			Help:      "Total telemetry events accepted by event type.",
		},
		[]string{"type"},
	)

	// EventsRejectedTotal counts rejected events by reason (stale, unknown_device, retired).
	EventsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "noorguard",
			Name:      "events_rejected_total",
			Help:      "Total telemetry events rejected by reason.",
		},
		[]string{"reason"},
	)

	// EventsDroppedTotal counts events evicted from a saturated device buffer.
	EventsDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "noorguard",
		Name:      "events_dropped_total",
		Help:      "Total events evicted from saturated ingest buffers.",
	})

	// RiskScoreComputedTotal counts risk scoring passes by resulting band.
	RiskScoreComputedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "noorguard",
			Name:      "risk_scores_total",
			Help:      "Total risk score computations by resulting band.",
		},
		[]string{"band"},
	)

	// PolicyTransitionsTotal counts policy state transitions by target state.
	PolicyTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "noorguard",
			Name:      "policy_transitions_total",
			Help:      "Total policy state transitions by target state.",
		},
		[]string{"state"},
	)

	// DirectivesIssuedTotal counts directives issued by action.
	DirectivesIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "noorguard",
			Name:      "directives_issued_total",
			Help:      "Total directives issued by action.",
		},
		[]string{"action"},
	)

	// DirectiveAckLatency observes time from directive issue to device ack.
	DirectiveAckLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "noorguard",
		Name:      "directive_ack_latency_seconds",
		Help:      "Time from directive issue to device acknowledgement in seconds.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})

	// UnresponsiveDevices tracks devices past the ack grace period.
	UnresponsiveDevices = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "noorguard",
		Name:      "unresponsive_devices",
		Help:      "Number of devices flagged unresponsive.",
	})

	// PrayerProviderRequestsTotal counts prayer-time provider fetches by result.
	PrayerProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "noorguard",
			Name:      "prayer_provider_requests_total",
			Help:      "Total prayer time provider fetches by result.",
		},
		[]string{"result"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "noorguard",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "noorguard", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "noorguard", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "noorguard", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "noorguard", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "noorguard", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "noorguard", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EventsIngestedTotal,
		EventsRejectedTotal,
		EventsDroppedTotal,
		RiskScoreComputedTotal,
		PolicyTransitionsTotal,
		DirectivesIssuedTotal,
		DirectiveAckLatency,
		UnresponsiveDevices,
		PrayerProviderRequestsTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
