package transport

import "github.com/prometheus/client_golang/prometheus"

var (
	connectedClients = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "classroom_connected_clients",
			Help: "Connected stream clients by kind.",
		},
		[]string{"kind"},
	)
	broadcastsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classroom_broadcasts_total",
			Help: "Broadcast events by type.",
		},
		[]string{"type"},
	)
	droppedMessagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "classroom_dropped_messages_total",
			Help: "Messages not delivered because a client's buffer was full.",
		},
	)
)

func init() {
	prometheus.MustRegister(connectedClients, broadcastsTotal, droppedMessagesTotal)
}
