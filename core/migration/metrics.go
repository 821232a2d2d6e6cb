package migration

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts step outcomes for one process. A nil *Metrics records
// nothing.
type Metrics struct {
	registry *prometheus.Registry
	steps    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	lastRun  prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stepwise",
			Name:      "steps_total",
			Help:      "Migration steps handled, by outcome.",
		}, []string{"app", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stepwise",
			Name:      "step_duration_seconds",
			Help:      "Time spent applying a migration step.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}, []string{"app"}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stepwise",
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished.",
		}),
	}
	m.registry.MustRegister(m.steps, m.duration, m.lastRun)
	return m
}

// Registry exposes the collectors, e.g. for promhttp or a textfile.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes the current values in the node exporter textfile
// format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}

func (m *Metrics) observe(res StepResult) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(res.Step.App, string(res.Status)).Inc()
	if res.Status == StatusApplied {
		m.duration.WithLabelValues(res.Step.App).Observe(res.Duration.Seconds())
	}
}

func (m *Metrics) finishRun() {
	if m == nil {
		return
	}
	m.lastRun.SetToCurrentTime()
}
