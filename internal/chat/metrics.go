package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects relay and gateway instrumentation.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	MessagesRelayed   *prometheus.CounterVec
	SendFailures      *prometheus.CounterVec
	BroadcastDropped  prometheus.Counter
	BackplaneApplied  prometheus.Counter
}

// NewMetrics registers the chat metric set on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "parley_chat_connections_active",
			Help: "Number of live websocket connections.",
		}),
		MessagesRelayed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_chat_messages_relayed_total",
			Help: "Messages persisted and broadcast, by sender type.",
		}, []string{"sender_type"}),
		SendFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_chat_send_failures_total",
			Help: "Rejected or failed send operations, by reason.",
		}, []string{"reason"}),
		BroadcastDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "parley_chat_broadcast_dropped_total",
			Help: "Per-member deliveries dropped under backpressure.",
		}),
		BackplaneApplied: f.NewCounter(prometheus.CounterOpts{
			Name: "parley_chat_backplane_applied_total",
			Help: "Remote backplane frames applied to local rooms.",
		}),
	}
}
