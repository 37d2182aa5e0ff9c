// Package metrics defines the Prometheus instruments the server exports.
// The collector is parameterized by a Registerer so tests and embedders can
// isolate registration instead of sharing process-global state.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every instrument the server records into.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter

	MessagesReceived *prometheus.CounterVec // label: type
	MessagesSent     *prometheus.CounterVec // label: type

	DeltasApplied prometheus.Counter
	BatchFlushes  prometheus.Counter

	AcksPending prometheus.Gauge
	AckRetries  prometheus.Counter

	AwarenessEntries prometheus.Gauge
	AwarenessReaped  prometheus.Counter

	PubSubPublished  *prometheus.CounterVec // label: kind (delta|awareness)
	PubSubReceived   *prometheus.CounterVec // label: kind
	PubSubReconnects prometheus.Counter

	StorageErrors *prometheus.CounterVec // label: op
}

// New builds the instrument set and registers it with reg. A nil reg swaps in
// a throwaway registry so callers that do not export metrics still get usable
// instruments.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "synckit_connections_active",
			Help: "Connections currently open.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synckit_connections_total",
			Help: "Connections accepted since start.",
		}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synckit_messages_received_total",
			Help: "Inbound protocol messages by type.",
		}, []string{"type"}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synckit_messages_sent_total",
			Help: "Outbound protocol messages by type.",
		}, []string{"type"}),
		DeltasApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synckit_deltas_applied_total",
			Help: "Field writes accepted by last-writer-wins.",
		}),
		BatchFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synckit_batch_flushes_total",
			Help: "Delta batch windows flushed.",
		}),
		AcksPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "synckit_acks_pending",
			Help: "Deliveries awaiting acknowledgement.",
		}),
		AckRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synckit_ack_retries_total",
			Help: "Redeliveries after an acknowledgement timeout.",
		}),
		AwarenessEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "synckit_awareness_entries",
			Help: "Live awareness entries across documents.",
		}),
		AwarenessReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synckit_awareness_reaped_total",
			Help: "Awareness entries removed by TTL expiry.",
		}),
		PubSubPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synckit_pubsub_published_total",
			Help: "Messages published to the cross-instance bus.",
		}, []string{"kind"}),
		PubSubReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synckit_pubsub_received_total",
			Help: "Messages received from the cross-instance bus.",
		}, []string{"kind"}),
		PubSubReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synckit_pubsub_reconnects_total",
			Help: "Bus reconnect attempts.",
		}),
		StorageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synckit_storage_errors_total",
			Help: "Best-effort storage failures by operation.",
		}, []string{"op"}),
	}

	reg.MustRegister(
		m.ConnectionsActive,
		m.ConnectionsTotal,
		m.MessagesReceived,
		m.MessagesSent,
		m.DeltasApplied,
		m.BatchFlushes,
		m.AcksPending,
		m.AckRetries,
		m.AwarenessEntries,
		m.AwarenessReaped,
		m.PubSubPublished,
		m.PubSubReceived,
		m.PubSubReconnects,
		m.StorageErrors,
	)

	return m
}
