// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/flyingrobots/taskqueue/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsAdded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_added_total",
		Help: "Total number of jobs enqueued via addJob",
	})
	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_completed_total",
		Help: "Total number of successfully completed jobs",
	})
	JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_failed_total",
		Help: "Total number of terminally failed jobs",
	})
	JobsRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_retried_total",
		Help: "Total number of jobs rescheduled after a retryable failure",
	})
	JobProcessingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "job_processing_duration_seconds",
		Help:    "Histogram of job processing durations",
		Buckets: prometheus.DefBuckets,
	})
	QueueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_length",
		Help: "Current length of a queue's wait list",
	}, []string{"queue"})
	CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	})
	CircuitBreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "circuit_breaker_trips_total",
		Help: "Count of times the circuit breaker transitioned to Open",
	})
	StalledRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_stalled_recovered_total",
		Help: "Total number of jobs recovered from a stalled active slot and reinserted into wait",
	})
	StalledExhausted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_stalled_exhausted_total",
		Help: "Total number of jobs failed permanently after exceeding maxStalledCount",
	})
	DelayedPromoted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_delayed_promoted_total",
		Help: "Total number of delayed jobs promoted into wait",
	})
	RateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_rate_limited_total",
		Help: "Total number of dequeue attempts deferred by the rate limiter",
	})
	LockExtendFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lock_extend_failures_total",
		Help: "Total number of lock-renewal attempts that found the lock already reassigned",
	})
	WorkerActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "worker_active",
		Help: "Number of active worker goroutines currently processing a job",
	})
)

func init() {
	prometheus.MustRegister(
		JobsAdded, JobsCompleted, JobsFailed, JobsRetried, JobProcessingDuration,
		QueueLength, CircuitBreakerState, CircuitBreakerTrips,
		StalledRecovered, StalledExhausted, DelayedPromoted, RateLimited,
		LockExtendFailures, WorkerActive,
	)
}

// StartMetricsServer exposes /metrics and returns a server for controlled shutdown.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
