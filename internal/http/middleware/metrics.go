package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Route labels use the registered Gin pattern, so /notifications/42 and
// /notifications/43 share one series. Unmatched paths collapse to "unmatched".
var (
	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "HTTP requests by method, route and status code.",
	}, []string{"method", "route", "code"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"method", "route"})

	httpInflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_requests_inflight",
		Help: "HTTP requests currently being served, WebSocket upgrades excluded.",
	})

	httpResponseBytes = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_response_size_bytes",
		Help:    "HTTP response body size.",
		Buckets: prometheus.ExponentialBuckets(128, 4, 7), // 128B..512KiB
	}, []string{"route"})

	// Share of conditional polls answered without a body.
	httpNotModified = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_not_modified_total",
		Help: "Conditional GETs answered with 304 by route.",
	}, []string{"route"})
)

func init() {
	prometheus.MustRegister(httpRequests, httpDuration, httpInflight, httpResponseBytes, httpNotModified)
}

// Metrics records Prometheus HTTP metrics. A WebSocket upgrade is counted
// once but kept out of the latency histogram and the in-flight gauge, since
// the hijacked connection outlives the request.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		upgrade := isUpgrade(c.Request)
		start := time.Now()
		if !upgrade {
			httpInflight.Inc()
			defer httpInflight.Dec()
		}

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		httpRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		if upgrade {
			return
		}
		httpDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
		if n := c.Writer.Size(); n >= 0 {
			httpResponseBytes.WithLabelValues(route).Observe(float64(n))
		}
		if status == http.StatusNotModified {
			httpNotModified.WithLabelValues(route).Inc()
		}
	}
}
