package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the bundler.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	activeRequests  prometheus.Gauge

	mempoolSize      prometheus.Gauge
	reputationBanned *prometheus.CounterVec
	bundlesSentTotal prometheus.Counter
	bundleOpsCount   prometheus.Histogram
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bundler_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bundler_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		activeRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bundler_active_requests",
				Help: "Number of currently active requests",
			},
		),
		mempoolSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bundler_mempool_size",
				Help: "Number of UserOperations currently held in the mempool",
			},
		),
		reputationBanned: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bundler_reputation_banned_total",
				Help: "Total number of entities observed in BANNED status",
			},
			[]string{"role"},
		),
		bundlesSentTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bundler_bundles_sent_total",
				Help: "Total number of handleOps bundles submitted",
			},
		),
		bundleOpsCount: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bundler_bundle_ops_count",
				Help:    "Number of UserOperations per submitted bundle",
				Buckets: prometheus.LinearBuckets(1, 2, 10),
			},
		),
	}

	prometheus.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.activeRequests,
		m.mempoolSize,
		m.reputationBanned,
		m.bundlesSentTotal,
		m.bundleOpsCount,
	)

	return m
}

// Middleware returns a Gin middleware that records HTTP request metrics.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		m.activeRequests.Inc()

		c.Next()

		m.activeRequests.Dec()
		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		m.requestsTotal.WithLabelValues(c.Request.Method, c.FullPath(), status).Inc()
		m.requestDuration.WithLabelValues(c.Request.Method, c.FullPath()).Observe(duration)
	}
}

// SetMempoolSize records the current mempool size.
func (m *Metrics) SetMempoolSize(n int) {
	m.mempoolSize.Set(float64(n))
}

// RecordBanned records an entity observed in BANNED status, by role
// ("sender", "paymaster", "factory").
func (m *Metrics) RecordBanned(role string) {
	m.reputationBanned.WithLabelValues(role).Inc()
}

// RecordBundleSent records one submitted handleOps bundle and its op count.
func (m *Metrics) RecordBundleSent(opsCount int) {
	m.bundlesSentTotal.Inc()
	m.bundleOpsCount.Observe(float64(opsCount))
}

// Handler returns the Prometheus HTTP handler.
func (m *Metrics) Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
