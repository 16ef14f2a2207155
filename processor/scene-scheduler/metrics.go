package scenescheduler

import "github.com/prometheus/client_golang/prometheus"

// Step and unit outcomes.
const (
	outcomeSucceeded = "succeeded"
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeDiscarded = "discarded"
	outcomeSkipped   = "skipped"
)

// Metrics are the scheduler's Prometheus collectors.
type Metrics struct {
	steps    *prometheus.CounterVec
	units    *prometheus.CounterVec
	inFlight prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scenegen_unit_steps_total",
			Help: "Image and video steps settled, by stage and outcome.",
		}, []string{"stage", "outcome"}),
		units: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scenegen_units_total",
			Help: "Unit attempts finished, by outcome.",
		}, []string{"outcome"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scenegen_units_in_flight",
			Help: "Units with an attempt currently in flight.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.steps, m.units, m.inFlight)
	}
	return m
}

func (m *Metrics) step(stage Stage, outcome string) {
	m.steps.WithLabelValues(string(stage), outcome).Inc()
}

func (m *Metrics) unit(outcome string) {
	m.units.WithLabelValues(outcome).Inc()
}
