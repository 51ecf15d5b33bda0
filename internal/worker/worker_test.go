package worker

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"procurement-automation/internal/config"
	"procurement-automation/internal/models"
	"procurement-automation/internal/queue"
)

func TestBackoffWithJitterStaysInBounds(t *testing.T) {
	base := time.Second
	max := time.Minute
	for attempt := 1; attempt <= 10; attempt++ {
		for i := 0; i < 50; i++ {
			got := backoffWithJitter(base, max, attempt)
			if got < base/2 {
				t.Fatalf("attempt %d: backoff %v below half base", attempt, got)
			}
			if got > max {
				t.Fatalf("attempt %d: backoff %v exceeds max", attempt, got)
			}
		}
	}
}

func TestBackoffWithJitterGrows(t *testing.T) {
	base := time.Second
	max := time.Hour

	// Minimum possible wait doubles per attempt until the cap.
	lowAttempt1 := backoffWithJitter(base, max, 1)
	lowAttempt5 := backoffWithJitter(base, max, 5)
	if lowAttempt5 <= lowAttempt1 {
		t.Fatalf("later attempts should back off longer: %v vs %v", lowAttempt1, lowAttempt5)
	}
}

func TestBackoffZeroAttemptFallsBackToBase(t *testing.T) {
	if got := backoffWithJitter(time.Second, time.Minute, 0); got != time.Second {
		t.Fatalf("attempt 0 should return base, got %v", got)
	}
}

func TestHeartbeatKeepsLeaseAlive(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := config.Config{VisibilityTimeout: 50 * time.Millisecond}
	q := queue.New(client, cfg)
	r := New(cfg, q, nil, nil)
	ctx := context.Background()

	job := models.AutomationJob{ID: "job-hb", TenantID: "default", TriggerEvent: "stock.low"}
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	leased, err := q.DequeueWithLease(ctx)
	if err != nil || leased != job.ID {
		t.Fatalf("dequeue: %v (%q)", err, leased)
	}

	hbCtx, stop := context.WithCancel(ctx)
	go r.heartbeat(hbCtx, job.ID)

	// Well past the original deadline the lease must still be held.
	time.Sleep(150 * time.Millisecond)
	reclaimed, err := q.RequeueExpired(ctx, time.Now(), 100)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(reclaimed) != 0 {
		t.Fatalf("lease expired despite heartbeat: %v", reclaimed)
	}

	// Once the heartbeat stops the lease runs out normally.
	stop()
	time.Sleep(120 * time.Millisecond)
	reclaimed, err = q.RequeueExpired(ctx, time.Now(), 100)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0] != job.ID {
		t.Fatalf("expected job reclaimed after heartbeat stopped, got %v", reclaimed)
	}
}

func TestBackoffZeroBaseDoesNotPanic(t *testing.T) {
	if got := backoffWithJitter(0, time.Minute, 3); got != 0 {
		t.Fatalf("zero base should return zero, got %v", got)
	}
	if got := backoffWithJitter(time.Nanosecond, time.Minute, 1); got != time.Nanosecond {
		t.Fatalf("sub-jitter wait should return base, got %v", got)
	}
}
