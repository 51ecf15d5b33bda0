package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newBucket(t *testing.T, capacity int, refill float64) *TokenBucket {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewTokenBucket(client, capacity, refill, time.Minute)
}

func TestTokenBucketConsumesCapacity(t *testing.T) {
	b := newBucket(t, 3, 0.0001)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, _, err := b.Allow(ctx, "rl:t1")
		if err != nil {
			t.Fatalf("allow: %v", err)
		}
		if !allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	allowed, tokens, err := b.Allow(ctx, "rl:t1")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if allowed {
		t.Fatalf("bucket should be empty, tokens=%f", tokens)
	}
}

func TestTokenBucketKeysAreIndependent(t *testing.T) {
	b := newBucket(t, 1, 0.0001)
	ctx := context.Background()

	if allowed, _, _ := b.Allow(ctx, "rl:t1"); !allowed {
		t.Fatalf("first tenant should be allowed")
	}
	if allowed, _, _ := b.Allow(ctx, "rl:t1"); allowed {
		t.Fatalf("first tenant should now be throttled")
	}
	if allowed, _, _ := b.Allow(ctx, "rl:t2"); !allowed {
		t.Fatalf("second tenant has its own budget")
	}
}
