package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector collects and exports metrics for the dashboard API.
type Collector struct {
	// Request metrics
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight prometheus.Gauge

	// Realtime metrics
	websocketClients prometheus.GaugeFunc
	liveUpdatesTotal *prometheus.CounterVec

	// Cache metrics
	cacheHitsTotal   prometheus.Counter
	cacheMissesTotal prometheus.Counter
}

// NewCollector creates a metrics collector. connectedClients reports the
// current websocket session count.
func NewCollector(connectedClients func() float64) *Collector {
	return &Collector{
		requestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dashboard_api_requests_total",
				Help: "Total number of HTTP requests processed",
			},
			[]string{"method", "path", "status"},
		),
		requestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dashboard_api_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		requestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "dashboard_api_requests_in_flight",
				Help: "Number of HTTP requests currently being processed",
			},
		),
		websocketClients: promauto.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "dashboard_api_websocket_clients",
				Help: "Number of connected websocket clients",
			},
			connectedClients,
		),
		liveUpdatesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dashboard_api_live_updates_total",
				Help: "Total number of live updates emitted",
			},
			[]string{"type"},
		),
		cacheHitsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dashboard_api_cache_hits_total",
				Help: "Total number of response cache hits",
			},
		),
		cacheMissesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dashboard_api_cache_misses_total",
				Help: "Total number of response cache misses",
			},
		),
	}
}

// Middleware instruments every HTTP request.
func (c *Collector) Middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		c.requestsInFlight.Inc()

		ctx.Next()

		c.requestsInFlight.Dec()
		path := ctx.FullPath()
		if path == "" {
			path = "unmatched"
		}
		c.requestsTotal.WithLabelValues(
			ctx.Request.Method, path, strconv.Itoa(ctx.Writer.Status())).Inc()
		c.requestDuration.WithLabelValues(
			ctx.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// LiveUpdateEmitted counts one emitted live update.
func (c *Collector) LiveUpdateEmitted(updateType string) {
	c.liveUpdatesTotal.WithLabelValues(updateType).Inc()
}

// CacheHit counts one response cache hit.
func (c *Collector) CacheHit() {
	c.cacheHitsTotal.Inc()
}

// CacheMiss counts one response cache miss.
func (c *Collector) CacheMiss() {
	c.cacheMissesTotal.Inc()
}
