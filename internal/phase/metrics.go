package phase

import "github.com/prometheus/client_golang/prometheus"

var (
	phaseSignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classroom_phase_signals_total",
			Help: "Phase signals after validation, by signal.",
		},
		[]string{"signal"},
	)
	phaseTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classroom_phase_transitions_total",
			Help: "Stage transitions by the stage that was entered.",
		},
		[]string{"to_stage"},
	)
	phaseRejectedTasksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "classroom_phase_rejected_task_ids_total",
			Help: "Completed-task ids reported by the classifier that do not belong to the prompted stage.",
		},
	)
	phaseFallbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "classroom_phase_classifier_fallbacks_total",
			Help: "Classifier replies that could not be used.",
		},
	)
)

func init() {
	prometheus.MustRegister(phaseSignalsTotal, phaseTransitionsTotal, phaseRejectedTasksTotal, phaseFallbacksTotal)
}
