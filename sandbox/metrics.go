package sandbox

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "coderun"

// Metrics records execution outcomes. A nil *Metrics records nothing.
type Metrics struct {
	executions *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	active     prometheus.Gauge
	teardowns  *prometheus.CounterVec
}

// NewMetrics creates the execution metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "executions_total",
			Help:      "Code executions by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "execution_duration_seconds",
			Help:      "Time from sandbox start to exit or kill.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
		}, []string{"outcome"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_sandboxes",
			Help:      "Sandboxes currently provisioned.",
		}),
		teardowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "teardown_failures_total",
			Help:      "Failed kill or remove calls during sandbox teardown.",
		}, []string{"op"}),
	}

	for _, c := range []prometheus.Collector{m.executions, m.duration, m.active, m.teardowns} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return m, nil
}

func (m *Metrics) observe(res Result) {
	if m == nil {
		return
	}
	outcome := res.Outcome.String()
	m.executions.WithLabelValues(outcome).Inc()
	if res.Started {
		m.duration.WithLabelValues(outcome).Observe(res.Elapsed.Seconds())
	}
}

func (m *Metrics) sandboxUp() {
	if m != nil {
		m.active.Inc()
	}
}

func (m *Metrics) sandboxDown() {
	if m != nil {
		m.active.Dec()
	}
}

func (m *Metrics) teardownFailed(op string) {
	if m != nil {
		m.teardowns.WithLabelValues(op).Inc()
	}
}
