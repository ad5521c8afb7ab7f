package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "chatrelay"

type metrics struct {
	connections   prometheus.Gauge
	onlineUsers   prometheus.Gauge
	relayed       *prometheus.CounterVec
	dropped       prometheus.Counter
	rejected      *prometheus.CounterVec
	typingEpisode prometheus.Counter
	readReceipts  prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections",
			Help:      "Live WebSocket connections.",
		}),
		onlineUsers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "online_users",
			Help:      "Users with at least one live connection.",
		}),
		relayed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_relayed_total",
			Help:      "Messages persisted and relayed, by kind.",
		}, []string{"kind"}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "delivery_drops_total",
			Help:      "Outbound events dropped because a connection's buffer was full.",
		}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rejected_events_total",
			Help:      "Inbound events rejected, by reason.",
		}, []string{"reason"}),
		typingEpisode: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "typing_episodes_total",
			Help:      "Typing episodes started.",
		}),
		readReceipts: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "read_receipts_total",
			Help:      "Messages marked read.",
		}),
	}
}
