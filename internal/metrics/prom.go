package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/wesleyorama2/mobu/internal/timing"
)

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Labels never include usernames: a flock can have thousands of monkeys.

var (
	// IterationsTotal counts business iterations by outcome.
	IterationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mobu_iterations_total",
		Help: "Total number of business iterations, by flock, business and outcome.",
	}, []string{"flock", "business", "outcome"})

	// MonkeyRestartsTotal counts monkey restarts after a failure.
	MonkeyRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mobu_monkey_restarts_total",
		Help: "Total number of monkey restarts after a failure, by flock.",
	}, []string{"flock"})

	// AlertsTotal counts alerts sent.
	AlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mobu_alerts_total",
		Help: "Total number of alerts sent, by flock.",
	}, []string{"flock"})

	// EventDuration observes the duration of timed business events.
	EventDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mobu_event_duration_seconds",
		Help:    "Duration of timed business events, by flock, business, event and outcome.",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"flock", "business", "event", "outcome"})

	// Monkeys tracks the number of monkeys per flock and state.
	Monkeys = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mobu_monkeys",
		Help: "Current number of monkeys, by flock and state.",
	}, []string{"flock", "state"})
)

func outcome(success bool) string {
	if success {
		return OutcomeSuccess
	}
	return OutcomeFailure
}

// RecordIteration counts one finished iteration.
func RecordIteration(flock, business string, success bool) {
	IterationsTotal.WithLabelValues(flock, business, outcome(success)).Inc()
}

// RecordRestart counts one monkey restart.
func RecordRestart(flock string) {
	MonkeyRestartsTotal.WithLabelValues(flock).Inc()
}

// RecordAlert counts one alert.
func RecordAlert(flock string) {
	AlertsTotal.WithLabelValues(flock).Inc()
}

// MonkeyStateChanged moves one monkey between state gauges. An empty state
// means the monkey did not exist before, or no longer exists.
func MonkeyStateChanged(flock, from, to string) {
	if from != "" {
		Monkeys.WithLabelValues(flock, from).Dec()
	}
	if to != "" {
		Monkeys.WithLabelValues(flock, to).Inc()
	}
}

// Observer returns a timing observer feeding both the Prometheus histogram
// and, if non-nil, the engine.
func Observer(flock, business string, engine *Engine) func(timing.Data) {
	return func(d timing.Data) {
		if d.Stop == nil {
			return
		}
		EventDuration.WithLabelValues(flock, business, d.Event, outcome(!d.Failed)).
			Observe(d.ElapsedDuration().Seconds())
		if engine != nil {
			engine.Record(d)
		}
	}
}
