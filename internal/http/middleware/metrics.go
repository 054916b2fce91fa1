// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file exposes Prometheus instrumentation for the inspection API. The
// Metrics middleware records request counts, latencies, in-flight requests,
// response sizes and open event streams, labelled by:
//
//   - method: HTTP method verb (GET/POST/…)
//   - path:   the registered Gin route (e.g. /api/v1/instances/:domain/channels/:channel/messages),
//     or "unmatched" when no route matched so scanners cannot grow the series set
//   - status: numeric status code as a string (e.g. "200", "404")
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "mirror"
	unmatchedRoute   = "unmatched"
)

var (
	// httpReqs counts requests by method, route path, and status code.
	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	// httpLat records request duration by method and route path. Event
	// streams are left out; their duration is the client's session length.
	httpLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	httpInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_inflight",
			Help:      "Current number of in-flight HTTP requests, excluding event streams.",
		},
	)

	// httpStreams gauges open Server-Sent Event connections.
	httpStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "http_event_streams",
			Help:      "Currently open event stream connections.",
		},
	)

	// httpRespSize captures response sizes in bytes. Member lists and
	// message pages of busy guilds reach into the hundreds of KiB.
	httpRespSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "http_response_size_bytes",
			Help:      "Size of HTTP responses in bytes.",
			Buckets: []float64{
				200, 1 << 10, 5 << 10, 25 << 10,
				100 << 10, 250 << 10, 500 << 10,
				1 << 20, 5 << 20,
			},
		},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(httpReqs, httpLat, httpInflight, httpStreams, httpRespSize)
}

// Metrics returns a Gin middleware that instruments requests with Prometheus.
// Requests whose route is one of streamRoutes (full Gin paths such as
// "/api/v1/events") are counted and tracked in the open streams gauge but
// not in the latency or size histograms.
//
// Usage:
//
//	r := gin.New()
//	r.Use(middleware.Metrics("/api/v1/events"))
//	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
func Metrics(streamRoutes ...string) gin.HandlerFunc {
	streams := make(map[string]struct{}, len(streamRoutes))
	for _, p := range streamRoutes {
		streams[p] = struct{}{}
	}
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = unmatchedRoute
		}
		method := c.Request.Method

		if _, ok := streams[path]; ok {
			httpStreams.Inc()
			c.Next()
			httpStreams.Dec()
			httpReqs.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
			return
		}

		start := time.Now()
		httpInflight.Inc()
		defer httpInflight.Dec()

		c.Next()

		httpReqs.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpLat.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
		// -1 when nothing was written
		if size := c.Writer.Size(); size >= 0 {
			httpRespSize.WithLabelValues(method, path).Observe(float64(size))
		}
	}
}
