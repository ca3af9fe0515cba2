// Package metrics provides Prometheus instrumentation for Clawdfather.
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
			Namespace: "clawfather",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clawfather",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ActiveSessions tracks live shell sessions in the registry.
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clawfather",
			Name:      "active_sessions",
			Help:      "Number of currently live shell sessions.",
		},
	)

	// SessionsTerminated counts terminations by reason.
	SessionsTerminated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clawfather",
			Name:      "sessions_terminated_total",
			Help:      "Total sessions terminated by reason.",
		},
		[]string{"reason"},
	)

	// CreditSecondsDebited counts seconds debited by the ticker.
	CreditSecondsDebited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clawfather",
			Name:      "credit_seconds_debited_total",
			Help:      "Total credit seconds debited from accounts.",
		},
	)

	// StaleSessionsCleaned counts account_sessions rows reconciled away.
	StaleSessionsCleaned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clawfather",
			Name:      "stale_sessions_cleaned_total",
			Help:      "Total stale account session rows reconciled by the ticker.",
		},
	)

	// StripeEventsTotal counts webhook events by result.
	StripeEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clawfather",
			Name:      "stripe_events_total",
			Help:      "Total Stripe webhook events by result.",
		},
		[]string{"result"},
	)

	// ActiveWebSocketClients tracks connected chat peers.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clawfather",
			Name:      "active_websocket_clients",
			Help:      "Number of connected chat WebSocket clients.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActiveSessions,
		SessionsTerminated,
		CreditSecondsDebited,
		StaleSessionsCleaned,
		StripeEventsTotal,
		ActiveWebSocketClients,
	)
}

// Middleware records request counts and latency per route pattern.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method
		status := strconv.Itoa(c.Writer.Status())

		HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
