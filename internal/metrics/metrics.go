// Package metrics exposes prometheus collectors for the monitor.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Order outcomes.
const (
	OutcomeSubmitted = "submitted"
	OutcomeRejected  = "rejected"
	OutcomeInflight  = "skipped_inflight"
	OutcomeConflict  = "pending_conflict"
	OutcomeNoPos     = "skipped_no_position"
)

// Monitor tracks evaluations, orders and callbacks. A nil *Monitor records nothing.
type Monitor struct {
	evaluations    *prometheus.CounterVec
	evalErrors     *prometheus.CounterVec
	evalDuration   *prometheus.HistogramVec
	orders         *prometheus.CounterVec
	callbacks      *prometheus.CounterVec
	runningWorkers prometheus.Gauge
}

// New constructs and registers the monitor metrics with reg.
func New(reg prometheus.Registerer) *Monitor {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Monitor{
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qmt",
			Subsystem: "monitor",
			Name:      "evaluations_total",
			Help:      "Signal evaluations by strategy and resulting signal.",
		}, []string{"strategy", "signal"}),
		evalErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qmt",
			Subsystem: "monitor",
			Name:      "evaluation_errors_total",
			Help:      "Signal evaluations that failed.",
		}, []string{"strategy"}),
		evalDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "qmt",
			Subsystem: "monitor",
			Name:      "evaluation_seconds",
			Help:      "Time spent evaluating a signal.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"strategy"}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qmt",
			Subsystem: "executor",
			Name:      "orders_total",
			Help:      "Order attempts by side and outcome.",
		}, []string{"side", "outcome"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qmt",
			Subsystem: "executor",
			Name:      "callbacks_total",
			Help:      "Broker callbacks handled by kind and whether they changed state.",
		}, []string{"kind", "result"}),
		runningWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "qmt",
			Subsystem: "supervisor",
			Name:      "running_workers",
			Help:      "Task workers currently running.",
		}),
	}
	reg.MustRegister(m.evaluations, m.evalErrors, m.evalDuration, m.orders, m.callbacks, m.runningWorkers)
	return m
}

// ObserveEvaluation records one evaluation.
func (m *Monitor) ObserveEvaluation(strategy, signal string, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.evalDuration.WithLabelValues(strategy).Observe(took.Seconds())
	if err != nil {
		m.evalErrors.WithLabelValues(strategy).Inc()
		return
	}
	m.evaluations.WithLabelValues(strategy, signal).Inc()
}

func (m *Monitor) Order(side, outcome string) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(side, outcome).Inc()
}

func (m *Monitor) Callback(kind, result string) {
	if m == nil {
		return
	}
	m.callbacks.WithLabelValues(kind, result).Inc()
}

func (m *Monitor) SetRunningWorkers(n int) {
	if m == nil {
		return
	}
	m.runningWorkers.Set(float64(n))
}

// OrdersCounter exposes the counter behind Order, for tests.
func (m *Monitor) OrdersCounter(side, outcome string) prometheus.Counter {
	return m.orders.WithLabelValues(side, outcome)
}

// CallbacksCounter exposes the counter behind Callback, for tests.
func (m *Monitor) CallbacksCounter(kind, result string) prometheus.Counter {
	return m.callbacks.WithLabelValues(kind, result)
}

// EvaluationsCounter exposes the counter behind ObserveEvaluation, for tests.
func (m *Monitor) EvaluationsCounter(strategy, signal string) prometheus.Counter {
	return m.evaluations.WithLabelValues(strategy, signal)
}

// RunningWorkers exposes the worker gauge, for tests.
func (m *Monitor) RunningWorkers() prometheus.Gauge {
	return m.runningWorkers
}
