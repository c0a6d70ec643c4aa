package wsfanout

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics backs both the Prometheus exposition format and the JSON summary
// spec.md §4.10 documents as the contract; the two are kept in lockstep by
// routing every update through this type's methods rather than touching
// the Prometheus collectors directly. JSON reads the plain atomic
// counters/gauges since Prometheus gives no cheap way to read a
// collector's current value back out.
type metrics struct {
	registry *prometheus.Registry

	connectedClientsGauge   prometheus.Gauge
	totalConnectionsCounter prometheus.Counter
	eventsReceivedCounter   prometheus.Counter
	eventsSentCounter       prometheus.Counter
	subscriptionsCounter    prometheus.Counter
	replayBufferSizeGauge   prometheus.Gauge

	connectedClients   atomic.Int64
	totalConnections   atomic.Uint64
	eventsReceived     atomic.Uint64
	eventsSent         atomic.Uint64
	subscriptionsTotal atomic.Uint64
	replayBufferSize   atomic.Int64
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	m := &metrics{
		registry: registry,
		connectedClientsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ws_connected_clients", Help: "Currently connected WebSocket sessions.",
		}),
		totalConnectionsCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ws_total_connections", Help: "Total WebSocket connections accepted since startup.",
		}),
		eventsReceivedCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ws_events_received_total", Help: "Events received from the workflow event bus.",
		}),
		eventsSentCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ws_events_sent_total", Help: "Events forwarded to WebSocket clients.",
		}),
		subscriptionsCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ws_subscriptions_total", Help: "Subscription requests accepted.",
		}),
		replayBufferSizeGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ws_replay_buffer_size", Help: "Current number of events held in the replay buffer.",
		}),
	}
	registry.MustRegister(
		m.connectedClientsGauge, m.totalConnectionsCounter, m.eventsReceivedCounter,
		m.eventsSentCounter, m.subscriptionsCounter, m.replayBufferSizeGauge,
	)
	return m
}

func (m *metrics) incConnectedClients() {
	m.connectedClientsGauge.Inc()
	m.connectedClients.Add(1)
}

func (m *metrics) decConnectedClients() {
	m.connectedClientsGauge.Dec()
	m.connectedClients.Add(-1)
}

func (m *metrics) incTotalConnections() {
	m.totalConnectionsCounter.Inc()
	m.totalConnections.Add(1)
}

func (m *metrics) incEventsReceived() {
	m.eventsReceivedCounter.Inc()
	m.eventsReceived.Add(1)
}

func (m *metrics) incEventsSent() {
	m.eventsSentCounter.Inc()
	m.eventsSent.Add(1)
}

func (m *metrics) incSubscriptions() {
	m.subscriptionsCounter.Inc()
	m.subscriptionsTotal.Add(1)
}

func (m *metrics) setReplayBufferSize(n int) {
	m.replayBufferSizeGauge.Set(float64(n))
	m.replayBufferSize.Store(int64(n))
}

// summary is the JSON-representable snapshot of the same values the
// Prometheus registry exposes, per spec.md §4.10's documented contract.
type summary struct {
	ConnectedClients   int64  `json:"connected_clients"`
	TotalConnections   uint64 `json:"total_connections"`
	EventsReceived     uint64 `json:"events_received_total"`
	EventsSent         uint64 `json:"events_sent_total"`
	SubscriptionsTotal uint64 `json:"subscriptions_total"`
	ReplayBufferSize   int64  `json:"replay_buffer_size"`
}

func (m *metrics) snapshot() summary {
	return summary{
		ConnectedClients:   m.connectedClients.Load(),
		TotalConnections:   m.totalConnections.Load(),
		EventsReceived:     m.eventsReceived.Load(),
		EventsSent:         m.eventsSent.Load(),
		SubscriptionsTotal: m.subscriptionsTotal.Load(),
		ReplayBufferSize:   m.replayBufferSize.Load(),
	}
}
