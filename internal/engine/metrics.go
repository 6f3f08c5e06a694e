package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dwa_jobs_total",
			Help: "Total number of jobs processed, by final status.",
		},
		[]string{"status"},
	)

	stepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dwa_pipeline_steps_total",
			Help: "Total number of pipeline steps executed, by final status.",
		},
		[]string{"status"},
	)

	stepRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dwa_step_retries_total",
			Help: "Total number of step retry attempts after the first.",
		},
	)

	stepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dwa_step_duration_seconds",
			Help:    "Completed step execution duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		},
	)
)

func init() {
	prometheus.MustRegister(jobsTotal)
	prometheus.MustRegister(stepsTotal)
	prometheus.MustRegister(stepRetriesTotal)
	prometheus.MustRegister(stepDuration)
}
