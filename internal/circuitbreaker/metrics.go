package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "admission_circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"dependency"},
	)

	breakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_circuit_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"dependency", "from", "to"},
	)

	breakerRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_circuit_breaker_rejections_total",
			Help: "Total number of calls rejected without invoking the dependency",
		},
		[]string{"dependency"},
	)
)

func setStateGauge(name string, state State) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

func recordStateChange(name string, from, to State) {
	breakerTransitionsTotal.WithLabelValues(name, from.String(), to.String()).Inc()
}

func recordRejection(name string) {
	breakerRejectionsTotal.WithLabelValues(name).Inc()
}
