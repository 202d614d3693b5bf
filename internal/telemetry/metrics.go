package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsAdmitted       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_admitted_total", Help: "Jobs created by admission"}, []string{"type"})
	JobsDeduplicated   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_deduplicated_total", Help: "Admissions satisfied by an existing job"}, []string{"type"})
	QuotaRejects       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "quota_rejects_total", Help: "Admissions rejected by quota"}, []string{"metric"})
	EnqueueCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Job ids dispatched to the queue"})
	RateLimitWaits     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "rate_limit_waits_total", Help: "Consume calls that had to wait"}, []string{"operation"})
	RateLimitFallbacks = prometheus.NewCounter(prometheus.CounterOpts{Name: "rate_limit_local_fallbacks_total", Help: "Shared limiter calls served by the local fallback"})
	RetryAttempts      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "retry_attempts_total", Help: "Retries performed by executors"}, []string{"executor"})
	BreakerState       = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "circuit_breaker_state", Help: "0 closed, 1 half open, 2 open"}, []string{"executor"})
	JobOutcomes        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_finished_total", Help: "Jobs finished by terminal status"}, []string{"type", "status"})
	JobResubmits       = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_resubmitted_total", Help: "Failed jobs re-admitted for another attempt"})
	WorkerDeadLetter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_dead_letter_total", Help: "Jobs moved to DLQ"})
	StuckRecovered     = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_stuck_recovered_total", Help: "In-progress jobs failed as abandoned by the sweep"})
	QueueDepthGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_queue_depth", Help: "Ready queue depth across priorities"})
	InFlightGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Jobs currently leased"})
)

// Register adds every collector to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			JobsAdmitted,
			JobsDeduplicated,
			QuotaRejects,
			EnqueueCounter,
			RateLimitWaits,
			RateLimitFallbacks,
			RetryAttempts,
			BreakerState,
			JobOutcomes,
			JobResubmits,
			WorkerDeadLetter,
			StuckRecovered,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
