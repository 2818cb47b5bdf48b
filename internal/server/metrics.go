package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "relay"

// Metrics exports relay counters to Prometheus. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions    prometheus.Gauge
	sessionsCreated   prometheus.Counter
	sessionsClosed    *prometheus.CounterVec
	connRejected      *prometheus.CounterVec
	framesReceived    *prometheus.CounterVec
	framesSent        prometheus.Counter
	framesDropped     prometheus.Counter
	messagesRelayed   *prometheus.CounterVec
	broadcastFanout   prometheus.Histogram
	floodBlocked      prometheus.Counter
	frameLimited      prometheus.Counter
	activeBans        prometheus.Gauge
	activeRooms       prometheus.Gauge
	adminRotations    prometheus.Counter
	moderationActions *prometheus.CounterVec
}

// NewMetrics builds a registry holding the relay collectors plus the Go and
// process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Name: "active_sessions",
			Help: "Connected sessions.",
		}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "sessions_created_total",
			Help: "Sessions accepted by the hub.",
		}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "sessions_closed_total",
			Help: "Sessions removed, by reason.",
		}, []string{"reason"}),
		connRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "connections_rejected_total",
			Help: "Connections refused before a session existed, by reason.",
		}, []string{"reason"}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "frames_received_total",
			Help: "Inbound frames routed, by type.",
		}, []string{"type"}),
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "frames_sent_total",
			Help: "Outbound frames queued to sessions.",
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "frames_dropped_total",
			Help: "Outbound frames dropped because a send buffer was full.",
		}),
		messagesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "messages_relayed_total",
			Help: "Chat messages relayed, by kind.",
		}, []string{"kind"}),
		broadcastFanout: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace, Name: "broadcast_fanout",
			Help:    "Recipients per room broadcast.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		floodBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "flood_blocked_total",
			Help: "Messages blocked by the flood guard.",
		}),
		frameLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "frames_rate_limited_total",
			Help: "Frames discarded by the per-connection rate limiter.",
		}),
		activeBans: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Name: "banned_addresses",
			Help: "Entries in the ban registry.",
		}),
		activeRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Name: "rooms",
			Help: "Rooms in the registry, including the main room.",
		}),
		adminRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "admin_secret_rotations_total",
			Help: "Admin secret rotations.",
		}),
		moderationActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "moderation_actions_total",
			Help: "Admin commands executed, by command.",
		}, []string{"command"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.activeSessions, m.sessionsCreated, m.sessionsClosed, m.connRejected,
		m.framesReceived, m.framesSent, m.framesDropped, m.messagesRelayed,
		m.broadcastFanout, m.floodBlocked, m.frameLimited, m.activeBans,
		m.activeRooms, m.adminRotations, m.moderationActions,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordSessionCreated(active int) {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
	m.activeSessions.Set(float64(active))
}

func (m *Metrics) RecordSessionClosed(reason string, active int) {
	if m == nil {
		return
	}
	m.sessionsClosed.WithLabelValues(reason).Inc()
	m.activeSessions.Set(float64(active))
}

func (m *Metrics) RecordRejected(reason string) {
	if m == nil {
		return
	}
	m.connRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordFrameReceived(frameType string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(frameType).Inc()
}

func (m *Metrics) RecordFrameSent() {
	if m == nil {
		return
	}
	m.framesSent.Inc()
}

func (m *Metrics) RecordFrameDropped() {
	if m == nil {
		return
	}
	m.framesDropped.Inc()
}

func (m *Metrics) RecordMessageRelayed(kind string) {
	if m == nil {
		return
	}
	m.messagesRelayed.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordBroadcastFanout(recipients int) {
	if m == nil {
		return
	}
	m.broadcastFanout.Observe(float64(recipients))
}

func (m *Metrics) RecordFloodBlocked() {
	if m == nil {
		return
	}
	m.floodBlocked.Inc()
}

func (m *Metrics) RecordFrameLimited() {
	if m == nil {
		return
	}
	m.frameLimited.Inc()
}

func (m *Metrics) RecordBans(n int) {
	if m == nil {
		return
	}
	m.activeBans.Set(float64(n))
}

func (m *Metrics) RecordRooms(n int) {
	if m == nil {
		return
	}
	m.activeRooms.Set(float64(n))
}

func (m *Metrics) RecordAdminRotation() {
	if m == nil {
		return
	}
	m.adminRotations.Inc()
}

func (m *Metrics) RecordModeration(command string) {
	if m == nil {
		return
	}
	m.moderationActions.WithLabelValues(command).Inc()
}
