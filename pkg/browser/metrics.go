package browser

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "termium"

// Metrics tracks browser runtime counters. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	Commands       *prometheus.CounterVec
	CommandLatency *prometheus.HistogramVec
	TabsOpened     prometheus.Counter
	Connections    *prometheus.CounterVec

	FramesCaptured prometheus.Counter
	FramesSent     prometheus.Counter
	FramesDropped  *prometheus.CounterVec
	Backpressure   prometheus.Counter
	ActiveStreams  prometheus.Gauge
	StreamsEnded   *prometheus.CounterVec
	FrameLatency   prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg. A nil
// registerer leaves them unregistered, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "command",
			Name:      "total",
			Help:      "Dispatched browser commands by command and result.",
		}, []string{"command", "result"}),
		CommandLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "command",
			Name:      "latency_seconds",
			Help:      "Driver round-trip latency for dispatched commands.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		}, []string{"command"}),
		TabsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "browser",
			Name:      "tabs_opened_total",
			Help:      "Pages installed as the active page.",
		}),
		Connections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "browser",
			Name:      "connections_total",
			Help:      "Browser connections established by mode.",
		}, []string{"mode"}),
		FramesCaptured: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "stream",
			Name:      "frames_captured_total",
			Help:      "Frames captured by screenshot streams.",
		}),
		FramesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "stream",
			Name:      "frames_sent_total",
			Help:      "Frames written to stream transports.",
		}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "stream",
			Name:      "frames_dropped_total",
			Help:      "Frames discarded under backpressure, by policy.",
		}, []string{"policy"}),
		Backpressure: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "stream",
			Name:      "backpressure_total",
			Help:      "Times a captured frame found the outbound queue full.",
		}),
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "stream",
			Name:      "active",
			Help:      "Screenshot streams currently running.",
		}),
		StreamsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "stream",
			Name:      "ended_total",
			Help:      "Finished screenshot streams by reason.",
		}, []string{"reason"}),
		FrameLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "stream",
			Name:      "capture_latency_seconds",
			Help:      "Time spent capturing a single streamed frame.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}),
	}
}

// RecordCommand counts a dispatched command and its latency.
func (m *Metrics) RecordCommand(command string, err error, latency time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.Commands.WithLabelValues(command, result).Inc()
	m.CommandLatency.WithLabelValues(command).Observe(latency.Seconds())
}

// RecordConnection counts an established browser connection.
func (m *Metrics) RecordConnection(owned bool) {
	if m == nil {
		return
	}
	mode := "attached"
	if owned {
		mode = "owned"
	}
	m.Connections.WithLabelValues(mode).Inc()
}

// RecordTabOpened counts a page installed as active.
func (m *Metrics) RecordTabOpened() {
	if m == nil {
		return
	}
	m.TabsOpened.Inc()
}

// RecordFrameCaptured tracks a captured frame and its capture latency.
func (m *Metrics) RecordFrameCaptured(latency time.Duration) {
	if m == nil {
		return
	}
	m.FramesCaptured.Inc()
	m.FrameLatency.Observe(latency.Seconds())
}

// RecordFrameSent counts a frame handed to the transport.
func (m *Metrics) RecordFrameSent() {
	if m == nil {
		return
	}
	m.FramesSent.Inc()
}

// RecordBackpressure counts a full-queue event and, unless the policy
// blocks, the frame it cost.
func (m *Metrics) RecordBackpressure(policy BackpressurePolicy) {
	if m == nil {
		return
	}
	m.Backpressure.Inc()
	if policy != BackpressureBlock {
		m.FramesDropped.WithLabelValues(string(policy)).Inc()
	}
}

// RecordStreamStarted increments the active stream gauge.
func (m *Metrics) RecordStreamStarted() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

// RecordStreamEnded decrements the active stream gauge and counts why.
func (m *Metrics) RecordStreamEnded(reason string) {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
	m.StreamsEnded.WithLabelValues(reason).Inc()
}
