// Package metrics exposes gateway counters to Prometheus.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chat_gateway"

// ServerMetrics holds server performance metrics. A nil *ServerMetrics is
// valid and records nothing.
type ServerMetrics struct {
	registry *prometheus.Registry

	TotalConnections    prometheus.Counter
	ActiveConnections   prometheus.Gauge
	RejectedConnections prometheus.Counter
	IdentifiedSessions  prometheus.Gauge
	OnlineUsers         prometheus.Gauge
	DispatchedEvents    *prometheus.CounterVec
	HeartbeatTimeouts   prometheus.Counter
	ProtocolCloses      *prometheus.CounterVec
}

// NewServerMetrics creates the collectors on a private registry.
func NewServerMetrics() *ServerMetrics {
	m := &ServerMetrics{
		registry: prometheus.NewRegistry(),
		TotalConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_total",
			Help: "WebSocket connections accepted.",
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections_active",
			Help: "WebSocket connections currently open.",
		}),
		RejectedConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_rejected_total",
			Help: "Upgrades refused because the connection limit was reached.",
		}),
		IdentifiedSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions_identified",
			Help: "Sessions that completed IDENTIFY and are still open.",
		}),
		OnlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "users_online",
			Help: "Users with at least one identified session.",
		}),
		DispatchedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dispatched_events_total",
			Help: "DISPATCH frames written, by event name.",
		}, []string{"event"}),
		HeartbeatTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "heartbeat_timeouts_total",
			Help: "Sessions closed for missing heartbeats.",
		}),
		ProtocolCloses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "protocol_closes_total",
			Help: "Sessions closed by the server, by close code.",
		}, []string{"code"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.TotalConnections,
		m.ActiveConnections,
		m.RejectedConnections,
		m.IdentifiedSessions,
		m.OnlineUsers,
		m.DispatchedEvents,
		m.HeartbeatTimeouts,
		m.ProtocolCloses,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *ServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// IncrementConnections records an accepted connection.
func (m *ServerMetrics) IncrementConnections() {
	if m == nil {
		return
	}
	m.TotalConnections.Inc()
	m.ActiveConnections.Inc()
}

// DecrementConnections records a closed connection.
func (m *ServerMetrics) DecrementConnections() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

// RejectConnection records a refused upgrade.
func (m *ServerMetrics) RejectConnection() {
	if m == nil {
		return
	}
	m.RejectedConnections.Inc()
}

// SessionIdentified records a session entering the registry.
func (m *ServerMetrics) SessionIdentified(firstForUser bool) {
	if m == nil {
		return
	}
	m.IdentifiedSessions.Inc()
	if firstForUser {
		m.OnlineUsers.Inc()
	}
}

// SessionClosed records a session leaving the registry.
func (m *ServerMetrics) SessionClosed(lastForUser bool) {
	if m == nil {
		return
	}
	m.IdentifiedSessions.Dec()
	if lastForUser {
		m.OnlineUsers.Dec()
	}
}

// EventDispatched records one DISPATCH frame.
func (m *ServerMetrics) EventDispatched(event string) {
	if m == nil {
		return
	}
	m.DispatchedEvents.WithLabelValues(event).Inc()
}

// HeartbeatTimeout records a watchdog close.
func (m *ServerMetrics) HeartbeatTimeout() {
	if m == nil {
		return
	}
	m.HeartbeatTimeouts.Inc()
}

// ProtocolClose records a close with a protocol close code.
func (m *ServerMetrics) ProtocolClose(code int) {
	if m == nil {
		return
	}
	m.ProtocolCloses.WithLabelValues(strconv.Itoa(code)).Inc()
}
