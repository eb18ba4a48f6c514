// Package metrics exposes Prometheus instrumentation for the scheduler.
// All methods are nil-safe so instrumentation stays optional in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the scheduler's Prometheus collectors.
type Metrics struct {
	runsStarted    *prometheus.CounterVec
	runsCompleted  *prometheus.CounterVec
	runsFailed     *prometheus.CounterVec
	runsCancelled  *prometheus.CounterVec
	stepsExecuted  *prometheus.CounterVec
	stepsMemoized  *prometheus.CounterVec
	deferrals      *prometheus.CounterVec
	activeRuns     *prometheus.GaugeVec
	eventsReceived *prometheus.CounterVec
}

// New creates and registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chorus_runs_started_total",
			Help: "Runs admitted and started, by function.",
		}, []string{"function"}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chorus_runs_completed_total",
			Help: "Runs that completed all steps, by function.",
		}, []string{"function"}),
		runsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chorus_runs_failed_total",
			Help: "Runs that failed terminally, by function and error class.",
		}, []string{"function", "class"}),
		runsCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chorus_runs_cancelled_total",
			Help: "Runs cancelled by supersede rules, by function.",
		}, []string{"function"}),
		stepsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chorus_steps_executed_total",
			Help: "Step bodies actually invoked, by function.",
		}, []string{"function"}),
		stepsMemoized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chorus_steps_memoized_total",
			Help: "Step invocations answered from the checkpoint store, by function.",
		}, []string{"function"}),
		deferrals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chorus_admission_deferrals_total",
			Help: "Events deferred by admission control, by function and reason.",
		}, []string{"function", "reason"}),
		activeRuns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chorus_active_runs",
			Help: "Runs currently pending, running, or sleeping, by function.",
		}, []string{"function"}),
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chorus_events_received_total",
			Help: "Events delivered to the scheduler, by event name.",
		}, []string{"event"}),
	}
	reg.MustRegister(
		m.runsStarted, m.runsCompleted, m.runsFailed, m.runsCancelled,
		m.stepsExecuted, m.stepsMemoized, m.deferrals, m.activeRuns,
		m.eventsReceived,
	)
	return m
}

func (m *Metrics) RunStarted(function string) {
	if m == nil {
		return
	}
	m.runsStarted.WithLabelValues(function).Inc()
	m.activeRuns.WithLabelValues(function).Inc()
}

func (m *Metrics) RunCompleted(function string) {
	if m == nil {
		return
	}
	m.runsCompleted.WithLabelValues(function).Inc()
	m.activeRuns.WithLabelValues(function).Dec()
}

func (m *Metrics) RunFailed(function, class string) {
	if m == nil {
		return
	}
	m.runsFailed.WithLabelValues(function, class).Inc()
	m.activeRuns.WithLabelValues(function).Dec()
}

func (m *Metrics) RunCancelled(function string) {
	if m == nil {
		return
	}
	m.runsCancelled.WithLabelValues(function).Inc()
	m.activeRuns.WithLabelValues(function).Dec()
}

func (m *Metrics) StepExecuted(function string) {
	if m == nil {
		return
	}
	m.stepsExecuted.WithLabelValues(function).Inc()
}

func (m *Metrics) StepMemoized(function string) {
	if m == nil {
		return
	}
	m.stepsMemoized.WithLabelValues(function).Inc()
}

func (m *Metrics) Deferred(function, reason string) {
	if m == nil {
		return
	}
	m.deferrals.WithLabelValues(function, reason).Inc()
}

func (m *Metrics) EventReceived(event string) {
	if m == nil {
		return
	}
	m.eventsReceived.WithLabelValues(event).Inc()
}
