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

// Process-local Prometheus collectors. These cover what only this
// process can see (its own HTTP handling, worker occupancy, crawl
// traffic); the Redis sink covers the deployment-wide counters.
var (
	httpRequestsTotal        *prometheus.CounterVec
	httpRequestDurationSecs  *prometheus.HistogramVec
	pipelineMessagesTotal    *prometheus.CounterVec
	pipelineStageDuration    *prometheus.HistogramVec
	pipelineActiveWorkers    prometheus.Gauge
	catalogPagesTotal        *prometheus.CounterVec
	catalogBytesTotal        *prometheus.CounterVec
	notifySendDelaySeconds   prometheus.Histogram

	initOnce sync.Once
)

// Init registers the process collectors with the default registry.
// Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "radar_http_requests_total",
			Help: "HTTP requests handled, by method and status code.",
		}, []string{"method", "code"})

		httpRequestDurationSecs = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "radar_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route"})

		pipelineMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "radar_pipeline_messages_total",
			Help: "Queue messages processed, by stage and result.",
		}, []string{"stage", "result"})

		pipelineStageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "radar_pipeline_stage_duration_seconds",
			Help:    "Time spent handling one queue message.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 15, 30, 60, 120},
		}, []string{"stage"})

		pipelineActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "radar_pipeline_active_workers",
			Help: "Workers currently handling a message.",
		})

		catalogPagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "radar_catalog_pages_total",
			Help: "Catalog pages fetched from upstream sources, by HTTP status.",
		}, []string{"source", "status"})

		catalogBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "radar_catalog_bytes_total",
			Help: "Bytes downloaded from upstream catalogs.",
		}, []string{"source"})

		notifySendDelaySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "radar_notify_send_delay_seconds",
			Help:    "Time spent waiting on the Telegram send rate limiter.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		})
	})
}

// Handler serves the default registry, including Go runtime collectors.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest records one handled request.
func ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	httpRequestDurationSecs.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveMessage records the outcome of one queue message.
func ObserveMessage(stage, result string, duration time.Duration) {
	if pipelineMessagesTotal == nil {
		return
	}
	pipelineMessagesTotal.WithLabelValues(stage, result).Inc()
	pipelineStageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// IncActiveWorkers marks one worker busy.
func IncActiveWorkers() {
	if pipelineActiveWorkers == nil {
		return
	}
	pipelineActiveWorkers.Inc()
}

// DecActiveWorkers marks one worker idle again.
func DecActiveWorkers() {
	if pipelineActiveWorkers == nil {
		return
	}
	pipelineActiveWorkers.Dec()
}

// ObserveCatalogPage records one upstream catalog fetch.
func ObserveCatalogPage(source string, status int, bytes int) {
	if catalogPagesTotal == nil {
		return
	}
	catalogPagesTotal.WithLabelValues(source, strconv.Itoa(status)).Inc()
	catalogBytesTotal.WithLabelValues(source).Add(float64(bytes))
}

// ObserveSendDelay records how long a notification waited on the
// outbound rate limiter.
func ObserveSendDelay(wait time.Duration) {
	if notifySendDelaySeconds == nil {
		return
	}
	notifySendDelaySeconds.Observe(wait.Seconds())
}
