// Package metrics exposes the Job Supervisor's state as Prometheus gauges
// and counters. Grounded on the teacher's internal/metrics/metrics.go
// GaugeVec/CounterVec pattern, generalized from per-component state to
// per-job state (pending/running/finished/stopped) plus restart counts.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once     sync.Once
	jobState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "babel",
			Subsystem: "job",
			Name:      "state",
			Help:      "Job state gauge (1 for the job's current state, 0 for its other states).",
		},
		[]string{"name", "state"},
	)
	jobRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "babel",
			Subsystem: "job",
			Name:      "restarts_total",
			Help:      "Number of restart attempts driven by the Restart Controller for a job.",
		},
		[]string{"name"},
	)
	jobExitCode = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "babel",
			Subsystem: "job",
			Name:      "last_exit_code",
			Help:      "Exit code of a job's most recent terminal attempt.",
		},
		[]string{"name"},
	)
)

func init() {
	once.Do(func() {
		prometheus.MustRegister(jobState, jobRestarts, jobExitCode)
	})
}

var allStates = []string{"pending", "running", "finished", "stopped"}

// ObserveJobState sets the gauge for name's current state to 1 and every
// other known state to 0, so a /metrics scrape always reflects exactly one
// active state per job.
func ObserveJobState(name, state string) {
	for _, s := range allStates {
		if s == state {
			jobState.WithLabelValues(name, s).Set(1)
		} else {
			jobState.WithLabelValues(name, s).Set(0)
		}
	}
}

// IncRestarts records one more restart attempt for name.
func IncRestarts(name string) { jobRestarts.WithLabelValues(name).Inc() }

// SetLastExitCode records the exit code of a job's most recent terminal attempt.
func SetLastExitCode(name string, code int) {
	jobExitCode.WithLabelValues(name).Set(float64(code))
}
