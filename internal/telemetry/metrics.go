package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsConsumed         = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_jobs_consumed_total", Help: "Jobs leased by workers"})
	JobsEnqueued         = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_jobs_enqueued_total", Help: "Jobs accepted for processing"})
	RateLimitRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_rate_limit_rejects_total", Help: "Ingest requests rejected by rate limiter"})
	DecisionsByOutcome   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "automation_decisions_total", Help: "Pipeline decisions by outcome"}, []string{"outcome"})
	Replays              = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_replays_total", Help: "Idempotent replays returned without execution"})
	GuardrailViolations  = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_guardrail_violations_total", Help: "Blocking guardrail violations"})
	ConcurrencyConflicts = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_concurrency_conflicts_total", Help: "Idempotency claim races observed"})
	Escalations          = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_escalations_total", Help: "Manual approval and fallback escalations"})
	DeadLetters          = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_dead_letter_total", Help: "Jobs moved to DLQ"})
	QueueDepthGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "automation_queue_depth", Help: "Ready queue depth"})
	InFlightGauge        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "automation_inflight", Help: "Jobs currently leased"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsConsumed,
			JobsEnqueued,
			RateLimitRejects,
			DecisionsByOutcome,
			Replays,
			GuardrailViolations,
			ConcurrencyConflicts,
			Escalations,
			DeadLetters,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
