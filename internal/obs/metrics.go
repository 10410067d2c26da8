package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "asclepius_http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asclepius_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "asclepius_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// accessDecisions counts gate outcomes (allow|deny) per permission.
	accessDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asclepius_access_decisions_total",
			Help: "Access gate decisions by permission and result.",
		},
		[]string{"permission", "result"},
	)

	anchorAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asclepius_anchor_attempts_total",
			Help: "Anchor provider attempts by provider and status.",
		},
		[]string{"provider", "status"},
	)
)

// Handler serves the default registry; mounted on /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware instruments every request with count, latency and in-flight
// gauges. The path label is the route template, so /v1/consents/:id stays one
// series regardless of the id.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method

		httpInFlight.Inc()
		start := time.Now()

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		elapsed := time.Since(start).Seconds()
		httpRequestDuration.WithLabelValues(method, path, status).Observe(elapsed)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	}
}

func ObserveAccessDecision(permission string, allowed bool) {
	result := "deny"
	if allowed {
		result = "allow"
	}
	accessDecisions.WithLabelValues(permission, result).Inc()
}

func ObserveAnchorAttempt(provider, status string) {
	anchorAttempts.WithLabelValues(provider, status).Inc()
}
