package server

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const unmatchedRoute = "unmatched"

// HTTPMetrics records request counts and latencies per route template.
// Nothing is recorded until Register has been called.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec

	registerOnce sync.Once
}

// Register registers the collectors with registry. Repeated calls are ignored.
func (m *HTTPMetrics) Register(registry prometheus.Registerer) {
	if m == nil || registry == nil {
		return
	}
	m.registerOnce.Do(func() {
		factory := promauto.With(registry)

		m.requests = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "petitions_http_requests_total",
			Help: "Total number of HTTP requests by route, method and status",
		}, []string{"route", "method", "status"})
		m.duration = factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "petitions_http_request_duration_seconds",
			Help:    "HTTP request latency by route and method",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"})
	})
}

func (m *HTTPMetrics) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil || m.requests == nil {
			c.Next()
			return
		}
		started := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		method := c.Request.Method
		m.requests.WithLabelValues(route, method, strconv.Itoa(c.Writer.Status())).Inc()
		m.duration.WithLabelValues(route, method).Observe(time.Since(started).Seconds())
	}
}
