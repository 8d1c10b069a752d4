package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the server
type Metrics struct {
	// Session metrics
	activeSessions       prometheus.Gauge
	sessionsCreated      prometheus.Counter
	sessionsDisconnected prometheus.Counter

	// Frame metrics
	framesReceived *prometheus.CounterVec // by frame type
	framesSent     *prometheus.CounterVec // by frame type

	// Forwarding metrics
	forwardsDelivered prometheus.Counter
	forwardsOffline   prometheus.Counter

	// Broadcast metrics
	broadcastFanout prometheus.Histogram

	// Heartbeat metrics
	heartbeatProbes   prometheus.Counter
	heartbeatTimeouts prometheus.Counter
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		activeSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatserve_active_sessions",
				Help: "Current number of authenticated sessions",
			},
		),
		sessionsCreated: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "chatserve_sessions_created_total",
				Help: "Total number of sessions registered",
			},
		),
		sessionsDisconnected: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "chatserve_sessions_disconnected_total",
				Help: "Total number of sessions removed",
			},
		),
		framesReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatserve_frames_received_total",
				Help: "Total number of frames received from clients by type",
			},
			[]string{"type"},
		),
		framesSent: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatserve_frames_sent_total",
				Help: "Total number of frames enqueued to clients by type",
			},
			[]string{"type"},
		),
		forwardsDelivered: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "chatserve_forwards_delivered_total",
				Help: "Total number of point-to-point messages relayed to an online target",
			},
		),
		forwardsOffline: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "chatserve_forwards_offline_total",
				Help: "Total number of forwards whose target had no live session",
			},
		),
		broadcastFanout: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chatserve_broadcast_fanout",
				Help:    "Number of sessions that received each broadcast frame",
				Buckets: []float64{1, 2, 5, 10, 20, 50},
			},
		),
		heartbeatProbes: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "chatserve_heartbeat_probes_total",
				Help: "Total number of heartbeat probes sent after inbound silence",
			},
		),
		heartbeatTimeouts: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "chatserve_heartbeat_timeouts_total",
				Help: "Total number of sessions closed for missing the heartbeat deadline",
			},
		),
	}
}

// RecordActiveSessions updates the live session gauge
func (m *Metrics) RecordActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

// RecordSessionCreated increments the created counter
func (m *Metrics) RecordSessionCreated() {
	m.sessionsCreated.Inc()
}

// RecordSessionDisconnected increments the disconnected counter
func (m *Metrics) RecordSessionDisconnected() {
	m.sessionsDisconnected.Inc()
}

// RecordFrameReceived counts an inbound frame by type label
func (m *Metrics) RecordFrameReceived(frameType string) {
	m.framesReceived.WithLabelValues(frameType).Inc()
}

// RecordFrameSent counts an outbound frame by type label
func (m *Metrics) RecordFrameSent(frameType string) {
	m.framesSent.WithLabelValues(frameType).Inc()
}

// RecordForwardDelivered counts a relayed message
func (m *Metrics) RecordForwardDelivered() {
	m.forwardsDelivered.Inc()
}

// RecordForwardOffline counts a forward to an offline target
func (m *Metrics) RecordForwardOffline() {
	m.forwardsOffline.Inc()
}

// RecordBroadcast records how many sessions a broadcast reached
func (m *Metrics) RecordBroadcast(fanout int) {
	m.broadcastFanout.Observe(float64(fanout))
}

// RecordHeartbeatProbe counts a probe sent
func (m *Metrics) RecordHeartbeatProbe() {
	m.heartbeatProbes.Inc()
}

// RecordHeartbeatTimeout counts a forced close
func (m *Metrics) RecordHeartbeatTimeout() {
	m.heartbeatTimeouts.Inc()
}
