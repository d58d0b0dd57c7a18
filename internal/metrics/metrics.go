package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "judger_submissions_total",
			Help: "Total number of submissions by verdict",
		},
		[]string{"language", "mode", "verdict"},
	)

	PhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "judger_phase_duration_seconds",
			Help:    "Duration of sandboxed phases",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"language", "phase"}, // phase: "compile", "run", "total"
	)

	InFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "judger_submissions_in_flight",
			Help: "Number of submissions currently holding an execution slot",
		},
	)

	CleanupFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "judger_cleanup_failures_total",
			Help: "Workspaces or sandboxes that could not be released",
		},
		[]string{"resource"}, // resource: "workspace", "sandbox"
	)

	SandboxAcquireDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "judger_sandbox_acquire_seconds",
			Help:    "Time to acquire a per-submission sandbox",
			Buckets: []float64{0.005, 0.05, 0.1, 0.2, 0.5, 1, 2},
		},
		[]string{"provider"},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "judger_rate_limit_hits_total",
			Help: "Total number of requests rejected by rate limiter",
		},
	)
)
