// Package metrics provides Prometheus instrumentation for the marketplace backend.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketledger",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "marketledger",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// LedgerOpsTotal counts ledger operations by operation and outcome.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketledger",
			Name:      "ledger_ops_total",
			Help:      "Total ledger operations by operation (hold, release, refund, ...) and outcome.",
		},
		[]string{"op", "outcome"},
	)

	// WebhookEventsTotal counts inbound payment webhook events by result.
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketledger",
			Name:      "webhook_events_total",
			Help:      "Inbound payment webhook events by result (queued, ignored, duplicate, invalid_signature, ...).",
		},
		[]string{"result"},
	)

	// MaterializationRetriesTotal counts materialization job retries by order kind.
	MaterializationRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketledger",
			Name:      "materialization_retries_total",
			Help:      "Materialization job retry attempts by order kind.",
		},
		[]string{"kind"},
	)

	// MaterializationFailuresTotal counts jobs that exhausted their retries.
	// Each of these is confirmed-charged-but-unmaterialized money.
	MaterializationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketledger",
			Name:      "materialization_failures_total",
			Help:      "Materialization jobs that exhausted all retries, by order kind.",
		},
		[]string{"kind"},
	)

	// MaterializationDroppedTotal counts jobs the queue could not accept,
	// either because the pool was already stopped or the buffer was full.
	MaterializationDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketledger",
			Name:      "materialization_dropped_total",
			Help:      "Materialization jobs dropped at enqueue, by order kind and reason.",
		},
		[]string{"kind", "reason"},
	)

	// OrderTransitionsTotal counts order state machine transitions.
	OrderTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketledger",
			Name:      "order_transitions_total",
			Help:      "Order lifecycle transitions by order kind and action.",
		},
		[]string{"kind", "action"},
	)

	// OpenDisputes tracks disputes currently awaiting resolution.
	OpenDisputes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "marketledger",
			Name:      "open_disputes",
			Help:      "Number of disputes not yet resolved or closed.",
		},
	)

	// ActiveWebSocketClients tracks connected dispute chat clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "marketledger",
			Name:      "active_websocket_clients",
			Help:      "Number of connected websocket clients.",
		},
	)

	// CommissionCollected sums platform commission by service kind.
	CommissionCollected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketledger",
			Name:      "commission_collected_total",
			Help:      "Platform commission collected, by service kind (unit: NGN).",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		LedgerOpsTotal,
		WebhookEventsTotal,
		MaterializationRetriesTotal,
		MaterializationFailuresTotal,
		MaterializationDroppedTotal,
		OrderTransitionsTotal,
		OpenDisputes,
		ActiveWebSocketClients,
		CommissionCollected,
	)
}

// Middleware records request counts and latencies per route pattern.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method, path, strconv.Itoa(c.Writer.Status()),
		).Inc()
		HTTPRequestDuration.WithLabelValues(
			c.Request.Method, path,
		).Observe(time.Since(start).Seconds())
	}
}

// Handler returns the /metrics endpoint handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
