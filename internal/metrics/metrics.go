// Package metrics exposes Prometheus instruments for the lending core.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lending"

// LendingMetrics groups the counters and gauges the services update. All
// methods are safe on a nil receiver so services can run without metrics.
type LendingMetrics struct {
	monitorTicks     prometheus.Counter
	monitorDuration  prometheus.Histogram
	loansChecked     prometheus.Counter
	loansAtRisk      prometheus.Gauge
	monitorErrors    prometheus.Counter
	liquidations     prometheus.Counter
	originations     *prometheus.CounterVec
	repayments       *prometheus.CounterVec
	stepFailures     *prometheus.CounterVec
	reconcileActions *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *LendingMetrics
)

// Default returns the instruments registered on the global Prometheus
// registry, creating them once.
func Default() *LendingMetrics {
	defaultOnce.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// New creates the instruments and registers them on reg.
func New(reg prometheus.Registerer) *LendingMetrics {
	m := &LendingMetrics{
		monitorTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "monitor",
			Name: "ticks_total",
			Help: "Number of completed health monitor sweeps.",
		}),
		monitorDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "monitor",
			Name:    "tick_duration_seconds",
			Help:    "Wall time of one health monitor sweep.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}),
		loansChecked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "monitor",
			Name: "loans_checked_total",
			Help: "Number of loan evaluations performed by the monitor.",
		}),
		loansAtRisk: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "monitor",
			Name: "loans_at_risk",
			Help: "Loans with health factor in [1.0, 1.1) at the last sweep.",
		}),
		monitorErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "monitor",
			Name: "errors_total",
			Help: "Per-loan failures during monitor sweeps.",
		}),
		liquidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidations_total",
			Help:      "Settled liquidations.",
		}),
		originations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "originations_total",
			Help:      "Origination attempts by result.",
		}, []string{"result"}),
		repayments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "repayments_total",
			Help:      "Recorded repayments by payment type.",
		}, []string{"type"}),
		stepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "external_step_failures_total",
			Help:      "Failed treasury, oracle or venue calls by saga step.",
		}, []string{"step"}),
		reconcileActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reconcile",
			Name: "actions_total",
			Help: "Stale in-flight loans resolved by the reconciler, by action.",
		}, []string{"action"}),
	}
	reg.MustRegister(
		m.monitorTicks,
		m.monitorDuration,
		m.loansChecked,
		m.loansAtRisk,
		m.monitorErrors,
		m.liquidations,
		m.originations,
		m.repayments,
		m.stepFailures,
		m.reconcileActions,
	)
	return m
}

// ObserveTick records the outcome of one monitor sweep.
func (m *LendingMetrics) ObserveTick(checked, atRisk, errs int, took time.Duration) {
	if m == nil {
		return
	}
	m.monitorTicks.Inc()
	m.monitorDuration.Observe(took.Seconds())
	m.loansChecked.Add(float64(checked))
	m.loansAtRisk.Set(float64(atRisk))
	m.monitorErrors.Add(float64(errs))
}

func (m *LendingMetrics) IncLiquidation() {
	if m == nil {
		return
	}
	m.liquidations.Inc()
}

func (m *LendingMetrics) IncOrigination(result string) {
	if m == nil {
		return
	}
	m.originations.WithLabelValues(result).Inc()
}

func (m *LendingMetrics) IncRepayment(paymentType string) {
	if m == nil {
		return
	}
	m.repayments.WithLabelValues(paymentType).Inc()
}

func (m *LendingMetrics) IncStepFailure(step string) {
	if m == nil {
		return
	}
	if step == "" {
		step = "unknown"
	}
	m.stepFailures.WithLabelValues(step).Inc()
}

func (m *LendingMetrics) IncReconcileAction(action string) {
	if m == nil {
		return
	}
	m.reconcileActions.WithLabelValues(action).Inc()
}
