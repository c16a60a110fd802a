// Package metrics exposes Prometheus collectors for the spider service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	transportRequestsTotal          *prometheus.CounterVec
	transportRequestDurationSeconds *prometheus.HistogramVec
	transportBytesTotal             prometheus.Counter
	httpRequestsTotal               *prometheus.CounterVec
	httpRequestDurationSeconds      *prometheus.HistogramVec
	spiderActiveWorkers             prometheus.Gauge
	spiderEngines                   prometheus.Gauge
	rateLimitDelaySeconds           *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times; every observer calls it.
func Init() {
	once.Do(func() {
		transportRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "galleryspider_transport_requests_total",
				Help: "Total number of outbound requests, labeled by kind and code.",
			},
			[]string{"kind", "code"},
		)

		transportRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "galleryspider_transport_request_duration_seconds",
				Help:    "Histogram of outbound request latencies until headers, labeled by kind.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"kind"},
		)

		transportBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "galleryspider_transport_bytes_total",
				Help: "Total number of image bytes streamed.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		spiderActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "galleryspider_active_workers",
				Help: "Number of page download workers currently running across all engines.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "galleryspider_rate_limit_delay_seconds",
				Help:    "Time spent waiting for a per-host rate limit token.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"host"},
		)

		spiderEngines = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "galleryspider_engines",
				Help: "Number of live gallery engines.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveRequest records one outbound request. code is 0 when no response
// arrived.
func ObserveRequest(kind string, code int, duration time.Duration) {
	Init()
	transportRequestsTotal.WithLabelValues(kind, strconv.Itoa(code)).Inc()
	transportRequestDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveBytes adds n streamed image bytes.
func ObserveBytes(n int) {
	Init()
	if n > 0 {
		transportBytesTotal.Add(float64(n))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	spiderActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	spiderActiveWorkers.Dec()
}

// SetEngines records the number of live engines.
func SetEngines(n int) {
	Init()
	spiderEngines.Set(float64(n))
}

// ObserveRateLimitDelay records time spent waiting on the limiter for host.
func ObserveRateLimitDelay(host string, d time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(host).Observe(d.Seconds())
}
