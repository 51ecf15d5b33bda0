package killswitch

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestSwitch(t *testing.T) *Switch {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func TestGlobalKillSwitch(t *testing.T) {
	s := newTestSwitch(t)
	ctx := context.Background()

	active, err := s.Active(ctx, "t1")
	if err != nil || active {
		t.Fatalf("expected inactive initially, active=%v err=%v", active, err)
	}

	if err := s.Activate(ctx, "", "incident response"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	// Global flag disables every tenant.
	for _, tenant := range []string{"t1", "t2", ""} {
		active, err := s.Active(ctx, tenant)
		if err != nil || !active {
			t.Fatalf("tenant %q should be disabled, active=%v err=%v", tenant, active, err)
		}
	}

	if err := s.Deactivate(ctx, ""); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	active, _ = s.Active(ctx, "t1")
	if active {
		t.Fatalf("expected inactive after deactivate")
	}
}

func TestTenantKillSwitchIsScoped(t *testing.T) {
	s := newTestSwitch(t)
	ctx := context.Background()

	if err := s.Activate(ctx, "t1", ""); err != nil {
		t.Fatalf("activate: %v", err)
	}

	active, _ := s.Active(ctx, "t1")
	if !active {
		t.Fatalf("t1 should be disabled")
	}
	active, _ = s.Active(ctx, "t2")
	if active {
		t.Fatalf("t2 must not be affected by t1's flag")
	}
	global, _ := s.GlobalActive(ctx)
	if global {
		t.Fatalf("tenant flag must not read as global")
	}
}
