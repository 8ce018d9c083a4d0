package turn

import "github.com/prometheus/client_golang/prometheus"

// Turn outcomes.
const (
	outcomeSpoke     = "spoke"
	outcomeSilent    = "silent"
	outcomeNoClients = "skipped_no_clients"
	outcomeBusy      = "skipped_busy"
	outcomeFailed    = "failed"
)

var (
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classroom_turns_total",
			Help: "Turn pipeline runs by outcome.",
		},
		[]string{"outcome"},
	)
	turnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "classroom_turn_duration_seconds",
			Help:    "Time from trigger firing to speaker decision.",
			Buckets: []float64{0.5, 1, 2, 4, 8, 16, 32, 64},
		},
	)
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "classroom_active_sessions",
			Help: "Sessions with an in-memory turn runtime.",
		},
	)
)

func init() {
	prometheus.MustRegister(turnsTotal, turnDuration, activeSessions)
}
