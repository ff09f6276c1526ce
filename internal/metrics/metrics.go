// Package metrics exposes pipeline metrics to Prometheus, either scraped
// from gateci-server or written to a node-exporter textfile by the CLI.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gateci/internal/core"
)

// Metrics holds Prometheus metrics for pipeline runs. It is a core.Observer.
//
// Metrics:
//   - gateci_stages_total{stage,status} - stages that reached a terminal status
//   - gateci_stage_duration_seconds{stage} - histogram of executed stage durations
//   - gateci_stages_running - stages currently executing
//   - gateci_violations_total{stage,severity} - recorded violations
//   - gateci_runs_total{target,result} - finished runs
//   - gateci_coverage_ratio - overall line coverage of the last run that measured it
type Metrics struct {
	registry *prometheus.Registry

	StagesTotal     *prometheus.CounterVec
	StageDuration   *prometheus.HistogramVec
	StagesRunning   prometheus.Gauge
	ViolationsTotal *prometheus.CounterVec
	RunsTotal       *prometheus.CounterVec
	CoverageRatio   prometheus.Gauge
}

// New registers the pipeline metrics on a fresh registry, so several
// instances (tests, servers) never collide.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		StagesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateci_stages_total",
				Help: "Total number of stages that reached a terminal status",
			},
			[]string{"stage", "status"},
		),
		StageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateci_stage_duration_seconds",
				Help:    "Duration of executed stages in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 8), // 10ms to ~3m
			},
			[]string{"stage"},
		),
		StagesRunning: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateci_stages_running",
				Help: "Number of stages currently executing",
			},
		),
		ViolationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateci_violations_total",
				Help: "Total number of violations recorded on stage results",
			},
			[]string{"stage", "severity"},
		),
		RunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateci_runs_total",
				Help: "Total number of finished pipeline runs",
			},
			[]string{"target", "result"},
		),
		CoverageRatio: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateci_coverage_ratio",
				Help: "Overall line coverage ratio of the last measured run",
			},
		),
	}
}

func (m *Metrics) StageStarted(_ *core.Run, _ string) {
	m.StagesRunning.Inc()
}

func (m *Metrics) StageFinished(_ *core.Run, r core.StageResult) {
	m.StagesTotal.WithLabelValues(r.Stage, r.Status.String()).Inc()
	if r.Status != core.StatusSkipped {
		m.StagesRunning.Dec()
		m.StageDuration.WithLabelValues(r.Stage).Observe(r.Duration.Seconds())
	}
	for _, v := range r.Violations {
		m.ViolationsTotal.WithLabelValues(r.Stage, v.Severity.String()).Inc()
	}
}

// RunFinished counts a finalized run.
func (m *Metrics) RunFinished(run *core.Run) {
	result := "passed"
	if !run.Passed() {
		result = "failed"
	}
	m.RunsTotal.WithLabelValues(run.Target, result).Inc()
}

// Registry exposes the underlying registry for testutil and handlers.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WriteTextfile writes the current values for the node-exporter textfile
// collector.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
