// Package worker consumes automation jobs from the queue and drives the
// orchestrator, applying fallback-aware retry with exponential backoff and
// dead-lettering exhausted jobs.
package worker

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"procurement-automation/internal/config"
	"procurement-automation/internal/idempotency"
	"procurement-automation/internal/models"
	"procurement-automation/internal/orchestrator"
	"procurement-automation/internal/queue"
	"procurement-automation/internal/telemetry"
)

// Runner drives the worker execution loop.
type Runner struct {
	cfg    config.Config
	queue  *queue.RedisQueue
	engine *orchestrator.Engine
	logger *logrus.Logger
}

func New(cfg config.Config, q *queue.RedisQueue, engine *orchestrator.Engine, logger *logrus.Logger) *Runner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Runner{cfg: cfg, queue: q, engine: engine, logger: logger}
}

// Run leases and processes jobs until context cancellation.
func (r *Runner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, _ = r.queue.PromoteScheduled(ctx, time.Now(), int64(r.cfg.ScheduledBatchSize))
		if reclaimed, _ := r.queue.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
			telemetry.InFlightGauge.Sub(float64(len(reclaimed)))
			r.logger.Warnf("worker: reclaimed %d expired leases", len(reclaimed))
		}
		if depth, err := r.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		jobID, err := r.queue.DequeueWithLease(ctx)
		if err != nil || jobID == "" {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.cfg.WorkerPollInterval):
			}
			continue
		}

		telemetry.JobsConsumed.Inc()
		telemetry.InFlightGauge.Inc()
		r.process(ctx, jobID)
		telemetry.InFlightGauge.Dec()
	}
}

func (r *Runner) process(ctx context.Context, jobID string) {
	job, found, err := r.queue.GetJob(ctx, jobID)
	if err != nil || !found {
		// Payload expired or unreadable; nothing to run.
		_ = r.queue.Ack(ctx, jobID)
		return
	}

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	go r.heartbeat(heartbeatCtx, job.ID)

	out, err := r.engine.Run(ctx, job)
	stopHeartbeat()
	switch {
	case err != nil && idempotency.IsConcurrentExecution(err):
		// Another claimant holds the key. Retry later, never immediately;
		// the next attempt will replay or reclaim a failed record.
		r.logger.Infof("worker: claim conflict for job %s, rescheduling", job.ID)
		r.reschedule(ctx, job, err.Error())
	case err != nil:
		r.logger.Warnf("worker: job %s failed: %v", job.ID, err)
		r.reschedule(ctx, job, err.Error())
	case out.Retryable:
		reason := out.Reason
		if out.Result != nil && out.Result.Error != "" {
			reason = out.Result.Error
		}
		r.reschedule(ctx, job, reason)
	default:
		// Terminal: allowed, denied, escalated, and clean replays all ack.
		_ = r.queue.Ack(ctx, job.ID)
	}
}

// heartbeat keeps the lease alive while a job runs, so slow actions are not
// reclaimed and handed to another worker mid-flight.
func (r *Runner) heartbeat(ctx context.Context, jobID string) {
	visibility := r.cfg.VisibilityTimeout
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	ticker := time.NewTicker(visibility / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.queue.ExtendLease(ctx, jobID, visibility); err != nil {
				r.logger.Warnf("worker: extend lease for job %s: %v", jobID, err)
			}
		}
	}
}

// reschedule bumps attempts and either schedules the next run with backoff
// or dead-letters the job after max attempts.
func (r *Runner) reschedule(ctx context.Context, job models.AutomationJob, reason string) {
	job.Attempts++
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 || maxAttempts > r.cfg.MaxAttempts {
		maxAttempts = r.cfg.MaxAttempts
	}
	if job.Attempts >= maxAttempts {
		r.logger.Warnf("worker: dead-lettering job %s after %d attempts: %s", job.ID, job.Attempts, reason)
		_ = r.queue.SaveJob(ctx, job)
		_ = r.queue.DLQPush(ctx, job.ID)
		_ = r.queue.Release(ctx, job.ID)
		telemetry.DeadLetters.Inc()
		return
	}

	backoff := backoffWithJitter(r.cfg.BackoffInitial, r.cfg.BackoffMax, job.Attempts)
	_ = r.queue.SaveJob(ctx, job)
	_ = r.queue.Release(ctx, job.ID)
	_ = r.queue.Schedule(ctx, job.ID, time.Now().Add(backoff))
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return base
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
