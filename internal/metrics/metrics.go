// Package metrics exposes the Prometheus instrumentation for the pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Set bundles the pipeline collectors. A nil Set is a no-op, so wiring
// metrics stays optional in tests and one-shot CLI runs.
type Set struct {
	runDuration     prometheus.Histogram
	runsTotal       *prometheus.CounterVec
	adapterFailures *prometheus.CounterVec
	rowsUpserted    prometheus.Counter
}

// New registers the pipeline collectors on the given registerer.
func New(reg prometheus.Registerer) *Set {
	s := &Set{
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "stresswatch",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of one pipeline run.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300},
		}),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stresswatch",
			Name:      "runs_total",
			Help:      "Pipeline runs by terminal status.",
		}, []string{"status"}),
		adapterFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stresswatch",
			Name:      "adapter_failures_total",
			Help:      "Source adapter failures by provider.",
		}, []string{"source"}),
		rowsUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stresswatch",
			Name:      "rows_upserted_total",
			Help:      "Observation rows written by the pipeline.",
		}),
	}
	reg.MustRegister(s.runDuration, s.runsTotal, s.adapterFailures, s.rowsUpserted)
	return s
}

// ObserveRun records one finished run.
func (s *Set) ObserveRun(status string, elapsed time.Duration) {
	if s == nil {
		return
	}
	s.runDuration.Observe(elapsed.Seconds())
	s.runsTotal.WithLabelValues(status).Inc()
}

// AdapterFailure counts one provider failure.
func (s *Set) AdapterFailure(source string) {
	if s == nil {
		return
	}
	s.adapterFailures.WithLabelValues(source).Inc()
}

// AddRows counts upserted observation rows.
func (s *Set) AddRows(n int) {
	if s == nil {
		return
	}
	s.rowsUpserted.Add(float64(n))
}
