// Package metrics provides the Prometheus collectors for the ingest pipeline.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups every collector the pipeline records to. All Record and Set
// methods are safe on a nil receiver so components can run without metrics.
type Metrics struct {
	// Ingest
	FramesReceived *prometheus.CounterVec // by source
	FramesDropped  *prometheus.CounterVec // by source, reason
	Normalized     *prometheus.CounterVec // by result
	BlockedTotal   prometheus.Counter

	// Registry
	Entities       *prometheus.GaugeVec   // by kind
	RegistryEvents *prometheus.CounterVec // by event type, reason
	AlertRings     prometheus.Gauge

	// Fan-out
	SinkDeliveries *prometheus.CounterVec   // by sink, outcome
	SinkLatency    *prometheus.HistogramVec // by sink

	// Supervisor
	SupervisorState *prometheus.GaugeVec // 1 for the current state
	BufferedFrames  prometheus.Gauge
}

// New creates the collectors and registers them on registry.
func New(registry prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.FramesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rid_radar_frames_received_total",
			Help: "Raw frames received by transport source",
		},
		[]string{"source"},
	)
	m.FramesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rid_radar_frames_dropped_total",
			Help: "Frames dropped before normalization by source and reason",
		},
		[]string{"source", "reason"}, // reason: channel_full, buffer_full, throttled
	)
	m.Normalized = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rid_radar_normalized_total",
			Help: "Normalizer results by kind",
		},
		[]string{"result"}, // detection, status, ignored
	)
	m.BlockedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rid_radar_blocked_total",
		Help: "Detections rejected by the block-list",
	})

	m.Entities = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rid_radar_entities",
			Help: "Tracked entities by kind",
		},
		[]string{"kind"},
	)
	m.RegistryEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rid_radar_registry_events_total",
			Help: "Registry change events by type and removal reason",
		},
		[]string{"type", "reason"},
	)
	m.AlertRings = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rid_radar_alert_rings",
		Help: "Active alert rings for entities without a position fix",
	})

	m.SinkDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rid_radar_sink_deliveries_total",
			Help: "Fan-out deliveries by sink and outcome",
		},
		[]string{"sink", "outcome"}, // outcome: success, error, rate_limited, busy
	)
	m.SinkLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rid_radar_sink_delivery_duration_seconds",
			Help:    "Time taken per sink delivery",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		},
		[]string{"sink"},
	)

	m.SupervisorState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rid_radar_supervisor_state",
			Help: "Supervisor lifecycle state (1 for the current state)",
		},
		[]string{"state"},
	)
	m.BufferedFrames = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rid_radar_background_buffered_frames",
		Help: "Frames held in the background buffer",
	})
}

// RecordFrame counts a received frame.
func (m *Metrics) RecordFrame(source string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(source).Inc()
}

// RecordDroppedFrame counts a frame dropped before normalization.
func (m *Metrics) RecordDroppedFrame(source, reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(source, reason).Inc()
}

// RecordNormalized counts a normalizer result.
func (m *Metrics) RecordNormalized(result string) {
	if m == nil {
		return
	}
	m.Normalized.WithLabelValues(result).Inc()
}

// RecordBlocked counts a detection rejected by the block-list.
func (m *Metrics) RecordBlocked() {
	if m == nil {
		return
	}
	m.BlockedTotal.Inc()
}

// SetEntities sets the tracked entity count for kind.
func (m *Metrics) SetEntities(kind string, n int) {
	if m == nil {
		return
	}
	m.Entities.WithLabelValues(kind).Set(float64(n))
}

// RecordRegistryEvent counts a registry event. reason is empty except for removals.
func (m *Metrics) RecordRegistryEvent(eventType, reason string) {
	if m == nil {
		return
	}
	m.RegistryEvents.WithLabelValues(eventType, reason).Inc()
}

// SetAlertRings sets the active ring count.
func (m *Metrics) SetAlertRings(n int) {
	if m == nil {
		return
	}
	m.AlertRings.Set(float64(n))
}

// RecordDelivery counts a sink delivery outcome. duration is ignored for
// deliveries that never ran.
func (m *Metrics) RecordDelivery(sink, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SinkDeliveries.WithLabelValues(sink, outcome).Inc()
	if duration > 0 {
		m.SinkLatency.WithLabelValues(sink).Observe(duration.Seconds())
	}
}

// SetSupervisorState marks state as current and clears the others.
func (m *Metrics) SetSupervisorState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.SupervisorState.WithLabelValues(s).Set(v)
	}
}

// SetBufferedFrames sets the background buffer occupancy.
func (m *Metrics) SetBufferedFrames(n int) {
	if m == nil {
		return
	}
	m.BufferedFrames.Set(float64(n))
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.FramesReceived.Collect(ch)
	m.FramesDropped.Collect(ch)
	m.Normalized.Collect(ch)
	m.BlockedTotal.Collect(ch)
	m.Entities.Collect(ch)
	m.RegistryEvents.Collect(ch)
	m.AlertRings.Collect(ch)
	m.SinkDeliveries.Collect(ch)
	m.SinkLatency.Collect(ch)
	m.SupervisorState.Collect(ch)
	m.BufferedFrames.Collect(ch)
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.FramesReceived.Describe(ch)
	m.FramesDropped.Describe(ch)
	m.Normalized.Describe(ch)
	m.BlockedTotal.Describe(ch)
	m.Entities.Describe(ch)
	m.RegistryEvents.Describe(ch)
	m.AlertRings.Describe(ch)
	m.SinkDeliveries.Describe(ch)
	m.SinkLatency.Describe(ch)
	m.SupervisorState.Describe(ch)
	m.BufferedFrames.Describe(ch)
}
