package provapi

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the harvester.
type Metrics struct {
	Registry        *prometheus.Registry
	RequestsTotal   *prometheus.CounterVec
	RequestDuration prometheus.Histogram
	DocumentsTotal  prometheus.Counter
	BytesTotal      prometheus.Counter
	RetriesTotal    prometheus.Counter
	ErrorsTotal     *prometheus.CounterVec
	ThrottleSeconds prometheus.Counter
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_requests_total",
			Help: "Total HTTP requests issued by the harvester.",
		},
		[]string{"phase"},
	)
	requestDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "harvester_request_duration_seconds",
			Help:    "HTTP request latency for harvester requests.",
			Buckets: prometheus.DefBuckets,
		},
	)
	documents := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harvester_documents_total",
			Help: "Total number of documents written to the output artifact.",
		},
	)
	bytes := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harvester_payload_bytes_total",
			Help: "Total response payload bytes downloaded.",
		},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harvester_retries_total",
			Help: "Total number of retry attempts scheduled.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_errors_total",
			Help: "Total number of transport errors by type.",
		},
		[]string{"error_type"},
	)
	throttle := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harvester_throttle_seconds_total",
			Help: "Total seconds spent sleeping for rate limiting.",
		},
	)

	registry.MustRegister(requests, requestDuration, documents, bytes, retries, errorsTotal, throttle)

	return &Metrics{
		Registry:        registry,
		RequestsTotal:   requests,
		RequestDuration: requestDuration,
		DocumentsTotal:  documents,
		BytesTotal:      bytes,
		RetriesTotal:    retries,
		ErrorsTotal:     errorsTotal,
		ThrottleSeconds: throttle,
	}
}

// IncRequest increments the requests total counter.
func (m *Metrics) IncRequest(phase string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(phase).Inc()
}

// ObserveDuration records an HTTP request duration.
func (m *Metrics) ObserveDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Observe(d.Seconds())
}

// AddDocuments increments the harvested document counter.
func (m *Metrics) AddDocuments(n int) {
	if m == nil {
		return
	}
	m.DocumentsTotal.Add(float64(n))
}

// AddBytes increments the payload byte counter.
func (m *Metrics) AddBytes(n int64) {
	if m == nil {
		return
	}
	m.BytesTotal.Add(float64(n))
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// AddThrottle records time spent sleeping on the rate governor.
func (m *Metrics) AddThrottle(d time.Duration) {
	if m == nil {
		return
	}
	m.ThrottleSeconds.Add(d.Seconds())
}
