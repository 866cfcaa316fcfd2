package proxy

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains the relay's Prometheus collectors. Each Server owns its
// own registry.
type Metrics struct {
	registry *prometheus.Registry

	// Upstream calls, by attempt phase and status
	upstreamRequests *prometheus.CounterVec
	upstreamErrors   *prometheus.CounterVec

	// Refresh outcomes
	refreshes *prometheus.CounterVec

	// Streams
	activeStreams prometheus.Gauge
	streamBytes   prometheus.Counter
	streamFrames  *prometheus.CounterVec
	streamEnds    *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		upstreamRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatrelay_upstream_requests_total",
				Help: "Upstream calls by attempt phase and response status",
			},
			[]string{"phase", "status"},
		),
		upstreamErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatrelay_upstream_errors_total",
				Help: "Upstream calls that produced no HTTP response",
			},
			[]string{"route"},
		),
		refreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatrelay_refresh_total",
				Help: "Credential refresh attempts by result",
			},
			[]string{"result"},
		),
		activeStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatrelay_active_streams",
				Help: "Event streams currently being relayed",
			},
		),
		streamBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chatrelay_stream_bytes_total",
				Help: "Bytes relayed from upstream event streams",
			},
		),
		streamFrames: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatrelay_stream_frames_total",
				Help: "Reassembled event frames by label",
			},
			[]string{"event"},
		),
		streamEnds: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatrelay_stream_end_total",
				Help: "Finished streams by reason",
			},
			[]string{"reason"},
		),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) RecordAttempt(phase string, status int) {
	m.upstreamRequests.WithLabelValues(phase, strconv.Itoa(status)).Inc()
}

func (m *Metrics) RecordRefresh(result string) {
	m.refreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordUpstreamError(route string) {
	m.upstreamErrors.WithLabelValues(route).Inc()
}

func (m *Metrics) StreamStarted() { m.activeStreams.Inc() }

func (m *Metrics) StreamEnded(reason string) {
	m.activeStreams.Dec()
	m.streamEnds.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordStreamBytes(n int) { m.streamBytes.Add(float64(n)) }

func (m *Metrics) RecordFrame(event string) {
	// unknown labels are relayed as-is but not allowed to grow cardinality
	switch event {
	case "start", "token", "end", "message", "error":
	default:
		event = "other"
	}
	m.streamFrames.WithLabelValues(event).Inc()
}
