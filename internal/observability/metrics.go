package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/upb/paygate/internal/policy"
)

const namespace = "paygate"

// Metrics collects admission metrics on a Prometheus registry.
type Metrics struct {
	DecisionsTotal   *prometheus.CounterVec
	DecisionDuration prometheus.Histogram
	StateFaultsTotal *prometheus.CounterVec
	ClockAnomalies   prometheus.Counter
	ReloadsTotal     *prometheus.CounterVec
	PolicyCount      prometheus.Gauge
	WindowCells      prometheus.Gauge
	AuditDropped     prometheus.Counter
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		DecisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decisions_total",
				Help:      "Admission decisions by outcome and reason",
			},
			[]string{"outcome", "reason"},
		),
		DecisionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "decision_duration_seconds",
				Help:      "Time spent evaluating a request",
				Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01},
			},
		),
		StateFaultsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_faults_total",
				Help:      "Requests denied because window state was unavailable",
			},
			[]string{"policy_id"},
		),
		ClockAnomalies: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "clock_anomalies_total",
				Help:      "Requests observed after the engine clock",
			},
		),
		ReloadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_reloads_total",
				Help:      "Policy set reload attempts by result",
			},
			[]string{"result"},
		),
		PolicyCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "policies",
				Help:      "Policies in the active set",
			},
		),
		WindowCells: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "window_cells",
				Help:      "Live (policy, subject) window cells",
			},
		),
		AuditDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_events_dropped_total",
				Help:      "Audit events dropped because the buffer was full",
			},
		),
	}
}

// ObserveDecision implements policy.Recorder.
func (m *Metrics) ObserveDecision(d policy.Decision, elapsed time.Duration) {
	m.DecisionsTotal.WithLabelValues(d.Outcome.String(), d.Reason.String()).Inc()
	m.DecisionDuration.Observe(elapsed.Seconds())
}

// StateFault implements policy.Recorder.
func (m *Metrics) StateFault(policyID string) {
	m.StateFaultsTotal.WithLabelValues(policyID).Inc()
}

// ClockAnomaly implements policy.Recorder.
func (m *Metrics) ClockAnomaly() {
	m.ClockAnomalies.Inc()
}

// ObserveReload records a reload attempt and, on success, the new set size.
func (m *Metrics) ObserveReload(policies int, err error) {
	if err != nil {
		m.ReloadsTotal.WithLabelValues("error").Inc()
		return
	}
	m.ReloadsTotal.WithLabelValues("success").Inc()
	m.PolicyCount.Set(float64(policies))
}

// SetWindowCells records the number of live window cells.
func (m *Metrics) SetWindowCells(n int) {
	m.WindowCells.Set(float64(n))
}

// AuditEventDropped records an audit event lost to backpressure.
func (m *Metrics) AuditEventDropped() {
	m.AuditDropped.Inc()
}

var _ policy.Recorder = (*Metrics)(nil)
