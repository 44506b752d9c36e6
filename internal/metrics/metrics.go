package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seriesview_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "seriesview_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// gRPC
	grpcRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seriesview_grpc_requests_total",
			Help: "Total number of gRPC requests",
		},
		[]string{"method", "status"},
	)

	// refill worker
	refillsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seriesview_refills_total",
			Help: "Loader invocations by the refill worker",
		},
		[]string{"series", "result"},
	)

	loaderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "seriesview_loader_duration_seconds",
			Help:    "Loader execution time in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"series"},
	)

	loaderPanicsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seriesview_loader_panics_total",
			Help: "Loader panics recovered by the refill worker",
		},
		[]string{"series"},
	)

	// buffer contents
	samplesIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seriesview_samples_ingested_total",
			Help: "Samples appended to buffers",
		},
		[]string{"series"},
	)

	samplesEvictedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seriesview_samples_evicted_total",
			Help: "Samples removed by the retention pass",
		},
		[]string{"series"},
	)

	bufferSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "seriesview_buffer_samples",
			Help: "Samples currently held per series",
		},
		[]string{"series"},
	)

	registeredSeries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "seriesview_registered_series",
			Help: "Series currently owned by the registry",
		},
	)

	// data sources
	sourceFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seriesview_source_fetches_total",
			Help: "Source fetches by backend",
		},
		[]string{"source", "status"},
	)

	sourceFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "seriesview_source_fetch_duration_seconds",
			Help:    "Source fetch duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	panicsRecoveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seriesview_panics_recovered_total",
			Help: "Panics recovered outside the refill worker",
		},
		[]string{"component"},
	)

	// live ingest
	subscriptionEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seriesview_subscription_events_total",
			Help: "Messages handled by live-ingest subscribers",
		},
		[]string{"source", "status"},
	)
)

// HTTPMetrics times one HTTP request.
type HTTPMetrics struct {
	method   string
	endpoint string
	start    time.Time
}

// NewHTTPMetrics starts timing a request.
func NewHTTPMetrics(method, endpoint string) *HTTPMetrics {
	return &HTTPMetrics{
		method:   method,
		endpoint: endpoint,
		start:    time.Now(),
	}
}

// Finish records the request.
func (m *HTTPMetrics) Finish(status string) {
	httpRequestsTotal.WithLabelValues(m.method, m.endpoint, status).Inc()
	httpRequestDuration.WithLabelValues(m.method, m.endpoint).Observe(time.Since(m.start).Seconds())
}

// RecordGRPCRequest counts one gRPC call.
func RecordGRPCRequest(method, status string) {
	grpcRequestsTotal.WithLabelValues(method, status).Inc()
}

// RefillMetrics times one loader invocation.
type RefillMetrics struct {
	series string
	start  time.Time
}

// NewRefillMetrics starts timing a refill for series.
func NewRefillMetrics(series string) *RefillMetrics {
	return &RefillMetrics{
		series: series,
		start:  time.Now(),
	}
}

// Finish records the refill with result success, error or panic.
func (m *RefillMetrics) Finish(result string) time.Duration {
	d := time.Since(m.start)
	refillsTotal.WithLabelValues(m.series, result).Inc()
	loaderDuration.WithLabelValues(m.series).Observe(d.Seconds())
	if result == "panic" {
		loaderPanicsTotal.WithLabelValues(m.series).Inc()
	}
	return d
}

// RecordIngest counts appended and evicted samples and updates the size gauge.
func RecordIngest(series string, ingested, evicted, size int) {
	if ingested > 0 {
		samplesIngestedTotal.WithLabelValues(series).Add(float64(ingested))
	}
	if evicted > 0 {
		samplesEvictedTotal.WithLabelValues(series).Add(float64(evicted))
	}
	bufferSize.WithLabelValues(series).Set(float64(size))
}

// UpdateBufferSize sets the size gauge for series.
func UpdateBufferSize(series string, size int) {
	bufferSize.WithLabelValues(series).Set(float64(size))
}

// RemoveSeries drops the per-series gauge once a series is gone.
func RemoveSeries(series string) {
	bufferSize.DeleteLabelValues(series)
}

// SetRegisteredSeries updates the registry gauge.
func SetRegisteredSeries(count int) {
	registeredSeries.Set(float64(count))
}

// SourceMetrics times one source fetch.
type SourceMetrics struct {
	source string
	start  time.Time
}

// NewSourceMetrics starts timing a fetch against source.
func NewSourceMetrics(source string) *SourceMetrics {
	return &SourceMetrics{
		source: source,
		start:  time.Now(),
	}
}

// Finish records the fetch.
func (m *SourceMetrics) Finish(status string) {
	sourceFetchesTotal.WithLabelValues(m.source, status).Inc()
	sourceFetchDuration.WithLabelValues(m.source).Observe(time.Since(m.start).Seconds())
}

// RecordSubscriptionEvent counts one subscriber message.
func RecordSubscriptionEvent(source, status string) {
	subscriptionEventsTotal.WithLabelValues(source, status).Inc()
}

// IncPanicRecovered counts a recovered goroutine panic.
func IncPanicRecovered(component string) {
	panicsRecoveredTotal.WithLabelValues(component).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
