// Package observability holds the Prometheus instruments of the service.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	Requests          *prometheus.CounterVec
	FirstChunkLatency prometheus.Histogram
	RealTimeFactor    prometheus.Histogram
	CleanupFallbacks  prometheus.Counter
	DeviceFaults      prometheus.Counter
	FaultPhase        prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewMetrics registers the instruments on registry. A nil registry uses
// the default Prometheus registry.
func NewMetrics(namespace string, registry *prometheus.Registry) *Metrics {
	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)

	if registry != nil {
		registerer = registry
		gatherer = registry
	}

	factory := promauto.With(registerer)

	return &Metrics{
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synthesis_requests_total",
			Help:      "Synthesis requests by outcome.",
		}, []string{"outcome"}),
		FirstChunkLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_chunk_latency_ms",
			Help:      "Latency to the first streamed audio chunk in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 5000},
		}),
		RealTimeFactor: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "real_time_factor",
			Help:      "Generation time divided by produced audio duration.",
			Buckets:   []float64{0.1, 0.25, 0.5, 0.75, 1, 1.5, 2, 4},
		}),
		CleanupFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_fallbacks_total",
			Help:      "Reference cleanups that failed and fell back to the original audio.",
		}),
		DeviceFaults: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_faults_total",
			Help:      "Unrecoverable device-side assert faults seen.",
		}),
		FaultPhase: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fault_phase",
			Help:      "Process fault phase: 0 normal, 1 fault detected, 2 restarting.",
		}),
		gatherer: gatherer,
	}
}

// ObserveRequest counts one request with its outcome kind.
func (m *Metrics) ObserveRequest(outcome string) {
	m.Requests.WithLabelValues(outcome).Inc()
}

// ObserveSynthesis records the timing of a successful synthesis.
func (m *Metrics) ObserveSynthesis(firstChunk time.Duration, rtf float64) {
	m.FirstChunkLatency.Observe(float64(firstChunk.Milliseconds()))
	m.RealTimeFactor.Observe(rtf)
}

// ObserveDeviceFault counts one device-side assert.
func (m *Metrics) ObserveDeviceFault() {
	m.DeviceFaults.Inc()
}

// ObserveFaultPhase publishes the current fault phase.
func (m *Metrics) ObserveFaultPhase(phase int) {
	m.FaultPhase.Set(float64(phase))
}

// Inc counts a cleanup fallback.
func (m *Metrics) Inc() {
	m.CleanupFallbacks.Inc()
}

// Handler serves the registry this Metrics was registered on.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
