// Package metrics exposes Prometheus instrumentation for the realtime
// gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the server.
type Metrics struct {
	activeSessions    prometheus.Gauge
	sessionsCreated   prometheus.Counter
	sessionsClosed    prometheus.Counter
	broadcasts        *prometheus.CounterVec
	broadcastFanout   *prometheus.HistogramVec
	messagesPersisted prometheus.Counter
	eventsReceived    *prometheus.CounterVec
}

// New registers and returns the server metrics. Call at most once per
// process; promauto registers globally.
func New() *Metrics {
	return &Metrics{
		activeSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vox_active_sessions",
			Help: "Current number of live websocket sessions",
		}),
		sessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vox_sessions_created_total",
			Help: "Total number of sessions registered",
		}),
		sessionsClosed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vox_sessions_closed_total",
			Help: "Total number of sessions unregistered",
		}),
		broadcasts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vox_broadcasts_total",
			Help: "Total room broadcasts by event type",
		}, []string{"type"}),
		broadcastFanout: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vox_broadcast_fanout",
			Help:    "Number of connections that received each room broadcast",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}, []string{"type"}),
		messagesPersisted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vox_messages_persisted_total",
			Help: "Total messages committed to the durable store",
		}),
		eventsReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vox_events_received_total",
			Help: "Total inbound websocket events by type",
		}, []string{"type"}),
	}
}

// RecordActiveSessions sets the live session gauge.
func (m *Metrics) RecordActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// RecordSessionCreated counts one registered session.
func (m *Metrics) RecordSessionCreated() {
	m.sessionsCreated.Inc()
}

// RecordSessionClosed counts one unregistered session.
func (m *Metrics) RecordSessionClosed() {
	m.sessionsClosed.Inc()
}

// RecordBroadcast counts one room broadcast and its fanout.
func (m *Metrics) RecordBroadcast(eventType string, fanout int) {
	m.broadcasts.WithLabelValues(eventType).Inc()
	m.broadcastFanout.WithLabelValues(eventType).Observe(float64(fanout))
}

// RecordMessagePersisted counts one committed message.
func (m *Metrics) RecordMessagePersisted() {
	m.messagesPersisted.Inc()
}

// RecordEventReceived counts one inbound websocket event.
func (m *Metrics) RecordEventReceived(eventType string) {
	m.eventsReceived.WithLabelValues(eventType).Inc()
}
