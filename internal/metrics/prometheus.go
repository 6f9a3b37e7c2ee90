package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the service
type Metrics struct {
	registry *prometheus.Registry

	// Audio buffer metrics
	BufferSize     prometheus.Gauge
	BufferCapacity prometheus.Gauge
	SamplesStored  prometheus.Counter

	// Transcription metrics
	Windows               prometheus.Counter
	WindowSamples         prometheus.Histogram
	CommittedSamples      prometheus.Counter
	TranscriptionFailures prometheus.Counter
	TranscriptionDuration prometheus.Histogram
	Segments              prometheus.Counter

	// Model metrics
	ModelTransitions *prometheus.CounterVec
	ModelLoadTime    prometheus.Histogram

	// Producer metrics
	Recordings *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them on a fresh registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return newMetrics(reg)
}

func newMetrics(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		BufferSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ezs2t_buffer_samples",
			Help: "Current number of unconsumed samples in the audio buffer",
		}),
		BufferCapacity: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ezs2t_buffer_capacity_samples",
			Help: "Capacity of the audio buffer in samples",
		}),
		SamplesStored: factory.NewCounter(prometheus.CounterOpts{
			Name: "ezs2t_samples_stored_total",
			Help: "Total number of samples pushed by producers",
		}),

		Windows: factory.NewCounter(prometheus.CounterOpts{
			Name: "ezs2t_windows_total",
			Help: "Total number of transcription windows processed",
		}),
		WindowSamples: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ezs2t_window_samples",
			Help:    "Number of samples per transcription window",
			Buckets: prometheus.LinearBuckets(16000, 16000*4, 9), // 1s to 33s
		}),
		CommittedSamples: factory.NewCounter(prometheus.CounterOpts{
			Name: "ezs2t_committed_samples_total",
			Help: "Total number of samples retired from the buffer",
		}),
		TranscriptionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "ezs2t_transcription_failures_total",
			Help: "Total number of failed recognizer invocations",
		}),
		TranscriptionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ezs2t_transcription_duration_seconds",
			Help:    "Duration of recognizer invocations",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1 minute
		}),
		Segments: factory.NewCounter(prometheus.CounterOpts{
			Name: "ezs2t_segments_total",
			Help: "Total number of committed text segments",
		}),

		ModelTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ezs2t_model_transitions_total",
			Help: "Model lifecycle state changes",
		}, []string{"model", "state"}),
		ModelLoadTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ezs2t_model_load_duration_seconds",
			Help:    "Time spent loading a model",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),

		Recordings: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ezs2t_producer_sessions_total",
			Help: "Audio producer sessions by source",
		}, []string{"source"}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ezs2t_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ezs2t_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// Handler returns the /metrics handler for this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveBuffer follows the audio buffer fill level
func (m *Metrics) ObserveBuffer(size, capacity int) {
	m.BufferSize.Set(float64(size))
	m.BufferCapacity.Set(float64(capacity))
}

// RecordSamplesStored counts samples pushed by a producer
func (m *Metrics) RecordSamplesStored(n int) {
	m.SamplesStored.Add(float64(n))
}

// RecordWindow records a successful transcription window
func (m *Metrics) RecordWindow(samples, committed, segments int, durationSeconds float64) {
	m.Windows.Inc()
	m.WindowSamples.Observe(float64(samples))
	m.CommittedSamples.Add(float64(committed))
	m.Segments.Add(float64(segments))
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionFailure increments the failure counter
func (m *Metrics) RecordTranscriptionFailure() {
	m.TranscriptionFailures.Inc()
}

// RecordModelState counts a model state change
func (m *Metrics) RecordModelState(model, state string) {
	m.ModelTransitions.WithLabelValues(model, state).Inc()
}

// RecordModelLoad records how long loading a model took
func (m *Metrics) RecordModelLoad(durationSeconds float64) {
	m.ModelLoadTime.Observe(durationSeconds)
}

// RecordProducer counts a started producer session
func (m *Metrics) RecordProducer(source string) {
	m.Recordings.WithLabelValues(source).Inc()
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
