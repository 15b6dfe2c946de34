package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbox_jobs_total",
			Help: "Total number of jobs by terminal status",
		},
		[]string{"status"},
	)

	JobsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandbox_jobs_running",
			Help: "Number of jobs that have not reached a terminal status",
		},
	)

	JobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandbox_job_duration_seconds",
			Help:    "Wall-clock time from creation to terminal status",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	ChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbox_checks_total",
			Help: "Total number of check executions by outcome",
		},
		[]string{"status"},
	)

	CheckDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandbox_check_duration_seconds",
			Help:    "Execution time of a single check",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	ActiveChecks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandbox_active_checks",
			Help: "Number of checks currently holding an execution slot",
		},
	)

	CallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbox_callbacks_total",
			Help: "Callback deliveries by outcome",
		},
		[]string{"outcome"}, // outcome: "delivered", "failed"
	)

	CallbackAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandbox_callback_attempts",
			Help:    "Attempts needed per callback delivery",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sandbox_rate_limit_hits_total",
			Help: "Total number of requests rejected by rate limiter",
		},
	)
)
