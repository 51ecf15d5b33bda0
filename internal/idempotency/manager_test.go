package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"procurement-automation/internal/models"
)

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	m := New(client, 10*time.Minute, 15*time.Minute, func(string) time.Duration { return 24 * time.Hour })
	return m, mr
}

func succeed(data map[string]any) Action {
	return func(context.Context) (models.ActionResult, error) {
		return models.ActionResult{Success: true, Data: data}, nil
	}
}

func TestExecuteRunsOnceAndReplays(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	var calls int32
	action := func(context.Context) (models.ActionResult, error) {
		atomic.AddInt32(&calls, 1)
		return models.ActionResult{Success: true, Data: map[string]any{"po_id": "po-1"}}, nil
	}

	result, replay, err := m.Execute(ctx, "key-1", "create_purchase_order", "t1", action)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if replay || !result.Success {
		t.Fatalf("expected fresh successful execution, got replay=%v result=%+v", replay, result)
	}

	result, replay, err = m.Execute(ctx, "key-1", "create_purchase_order", "t1", action)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !replay {
		t.Fatalf("expected replay on second call")
	}
	if got := result.Data["po_id"]; got != "po-1" {
		t.Fatalf("replay must return the stored result, got %v", got)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("action executed %d times, want 1", n)
	}
}

func TestExecuteConcurrentCallsRunActionExactlyOnce(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	var executions int32
	action := func(context.Context) (models.ActionResult, error) {
		atomic.AddInt32(&executions, 1)
		time.Sleep(20 * time.Millisecond)
		return models.ActionResult{Success: true, Data: map[string]any{"n": "once"}}, nil
	}

	const workers = 10
	var wg sync.WaitGroup
	var fresh, conflicts, replays int32
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, replay, err := m.Execute(ctx, "shared", "create_purchase_order", "t1", action)
			switch {
			case IsConcurrentExecution(err):
				atomic.AddInt32(&conflicts, 1)
			case err != nil:
				t.Errorf("unexpected error: %v", err)
			case replay:
				atomic.AddInt32(&replays, 1)
				if result.Data["n"] != "once" {
					t.Errorf("replay returned wrong result: %+v", result)
				}
			default:
				atomic.AddInt32(&fresh, 1)
			}
		}()
	}
	wg.Wait()

	if n := atomic.LoadInt32(&executions); n != 1 {
		t.Fatalf("action executed %d times, want exactly 1", n)
	}
	if fresh != 1 {
		t.Fatalf("%d callers saw a fresh execution, want exactly 1", fresh)
	}
	if conflicts+replays != workers-1 {
		t.Fatalf("losers must see conflict or replay: conflicts=%d replays=%d", conflicts, replays)
	}
}

func TestExecutePendingRecordRaisesConflict(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _, _ = m.Execute(ctx, "slow", "dispatch_supplier_email", "t1", func(context.Context) (models.ActionResult, error) {
			close(started)
			<-release
			return models.ActionResult{Success: true}, nil
		})
	}()
	<-started

	_, _, err := m.Execute(ctx, "slow", "dispatch_supplier_email", "t1", succeed(nil))
	close(release)

	var cee *ConcurrentExecutionError
	if !errors.As(err, &cee) {
		t.Fatalf("expected ConcurrentExecutionError, got %v", err)
	}
	if cee.Key != "slow" || cee.Status != models.IdemPending {
		t.Fatalf("conflict should carry key and status, got %+v", cee)
	}
}

func TestExecuteFailedRecordIsRetryable(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	boom := errors.New("supplier endpoint down")
	_, _, err := m.Execute(ctx, "retry-me", "dispatch_supplier_email", "t1", func(context.Context) (models.ActionResult, error) {
		return models.ActionResult{}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("action error must re-raise after the failed-record write, got %v", err)
	}

	rec, found, err := m.Get(ctx, "retry-me")
	if err != nil || !found {
		t.Fatalf("expected failed record, found=%v err=%v", found, err)
	}
	if rec.Status != models.IdemFailed {
		t.Fatalf("status = %s, want failed", rec.Status)
	}

	// A failed record is reclaimed immediately.
	result, replay, err := m.Execute(ctx, "retry-me", "dispatch_supplier_email", "t1", succeed(nil))
	if err != nil || replay || !result.Success {
		t.Fatalf("retry after failure: result=%+v replay=%v err=%v", result, replay, err)
	}
}

func TestExecuteBusinessFailureWritesFailedRecord(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	result, replay, err := m.Execute(ctx, "biz-fail", "create_purchase_order", "t1", func(context.Context) (models.ActionResult, error) {
		return models.ActionResult{Success: false, Error: "guardrail violation"}, nil
	})
	if err != nil {
		t.Fatalf("business failure is not an error: %v", err)
	}
	if replay || result.Success {
		t.Fatalf("unexpected result: %+v replay=%v", result, replay)
	}

	rec, found, _ := m.Get(ctx, "biz-fail")
	if !found || rec.Status != models.IdemFailed {
		t.Fatalf("expected failed record, got found=%v rec=%+v", found, rec)
	}
}

func TestCompletedRecordExpiresByTTL(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	if _, _, err := m.Execute(ctx, "ttl-key", "create_purchase_order", "t1", succeed(nil)); err != nil {
		t.Fatalf("execute: %v", err)
	}

	mr.FastForward(25 * time.Hour)

	var calls int32
	_, replay, err := m.Execute(ctx, "ttl-key", "create_purchase_order", "t1", func(context.Context) (models.ActionResult, error) {
		atomic.AddInt32(&calls, 1)
		return models.ActionResult{Success: true}, nil
	})
	if err != nil {
		t.Fatalf("execute after expiry: %v", err)
	}
	if replay || atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expired key must re-execute, replay=%v calls=%d", replay, calls)
	}
}

func TestClearPermitsManualReplay(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, _, err := m.Execute(ctx, "manual", "create_purchase_order", "t1", succeed(nil)); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := m.Clear(ctx, "manual"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	_, found, _ := m.Get(ctx, "manual")
	if found {
		t.Fatalf("record should be gone after clear")
	}
}
