// Package metrics exposes the Prometheus counters and gauges observed across
// the sender, receiver, and frame pipeline. Grounded on
// runZeroInc-sockstats/pkg/exporter/exporter.go's registry-per-component
// shape: callers get a Collector to pass into the component they own, rather
// than reaching for global metrics vars.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector groups the counters/gauges one session emits. A nil *Collector
// is valid and all methods become no-ops, so callers that don't care about
// metrics (most unit tests) don't need to wire a registry.
type Collector struct {
	reg *prometheus.Registry

	PacketsSent        *prometheus.CounterVec
	PacketsReceived    *prometheus.CounterVec
	AcksConsumed       prometheus.Counter
	Retransmits        prometheus.Counter
	ParseErrors        prometheus.Counter
	UnackedPackets     prometheus.Gauge
	ReassemblyDepth    prometheus.Gauge
	FramesCaptured     prometheus.Counter
	FramesTransformed  prometheus.Counter
	FramesRendered     prometheus.Counter
	TransformDuration  prometheus.Histogram
}

// New creates a Collector backed by a fresh registry scoped to one session.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		reg: reg,
		PacketsSent: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "masp_packets_sent_total",
			Help: "Packets sent by type.",
		}, []string{"type"}),
		PacketsReceived: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "masp_packets_received_total",
			Help: "Packets accepted by type.",
		}, []string{"type"}),
		AcksConsumed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "masp_acks_consumed_total",
			Help: "Acks removed from the unacknowledged table.",
		}),
		Retransmits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "masp_retransmits_total",
			Help: "Packets resent by the retransmitter.",
		}),
		ParseErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "masp_parse_errors_total",
			Help: "Datagrams dropped for failing to parse.",
		}),
		UnackedPackets: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "masp_unacked_packets",
			Help: "Current size of the sender's unacknowledged table.",
		}),
		ReassemblyDepth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "masp_reassembly_buffer_depth",
			Help: "Current size of the receiver's reassembly buffer.",
		}),
		FramesCaptured: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "masp_frames_captured_total",
			Help: "Raw frames produced by the camera collaborator.",
		}),
		FramesTransformed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "masp_frames_transformed_total",
			Help: "Raw frames converted to ASCII.",
		}),
		FramesRendered: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "masp_frames_rendered_total",
			Help: "ASCII frames rendered to the terminal.",
		}),
		TransformDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "masp_frame_transform_duration_seconds",
			Help:    "Time spent converting one raw frame to ASCII.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	return c
}

// Handler returns the HTTP handler serving this collector's registry.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

func (c *Collector) incSent(t string) {
	if c == nil {
		return
	}
	c.PacketsSent.WithLabelValues(t).Inc()
}

func (c *Collector) incReceived(t string) {
	if c == nil {
		return
	}
	c.PacketsReceived.WithLabelValues(t).Inc()
}

// IncSent records one packet sent of the given type name.
func (c *Collector) IncSent(t string) { c.incSent(t) }

// IncReceived records one packet accepted of the given type name.
func (c *Collector) IncReceived(t string) { c.incReceived(t) }

func (c *Collector) setUnacked(n int) {
	if c == nil {
		return
	}
	c.UnackedPackets.Set(float64(n))
}

// SetUnacked updates the unacked-table-size gauge.
func (c *Collector) SetUnacked(n int) { c.setUnacked(n) }

func (c *Collector) setReassembly(n int) {
	if c == nil {
		return
	}
	c.ReassemblyDepth.Set(float64(n))
}

// SetReassemblyDepth updates the reassembly-buffer-depth gauge.
func (c *Collector) SetReassemblyDepth(n int) { c.setReassembly(n) }

func (c *Collector) incAcks() {
	if c == nil {
		return
	}
	c.AcksConsumed.Inc()
}

// IncAcksConsumed records one Ack removing an entry from the unacked table.
func (c *Collector) IncAcksConsumed() { c.incAcks() }

func (c *Collector) incRetransmits() {
	if c == nil {
		return
	}
	c.Retransmits.Inc()
}

// IncRetransmits records one packet resent by the retransmitter.
func (c *Collector) IncRetransmits() { c.incRetransmits() }

func (c *Collector) incParseErrors() {
	if c == nil {
		return
	}
	c.ParseErrors.Inc()
}

// IncParseErrors records one datagram dropped for failing to parse.
func (c *Collector) IncParseErrors() { c.incParseErrors() }

// IncFramesCaptured records one raw frame produced by the camera collaborator.
func (c *Collector) IncFramesCaptured() {
	if c == nil {
		return
	}
	c.FramesCaptured.Inc()
}

// IncFramesTransformed records one raw frame converted to ASCII.
func (c *Collector) IncFramesTransformed() {
	if c == nil {
		return
	}
	c.FramesTransformed.Inc()
}

// IncFramesRendered records one ASCII frame rendered to the terminal.
func (c *Collector) IncFramesRendered() {
	if c == nil {
		return
	}
	c.FramesRendered.Inc()
}

// ObserveTransformDuration records the time spent converting one raw frame.
func (c *Collector) ObserveTransformDuration(seconds float64) {
	if c == nil {
		return
	}
	c.TransformDuration.Observe(seconds)
}
