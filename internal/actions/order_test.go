package actions

import (
	"context"
	"strings"
	"sync"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"procurement-automation/internal/events"
	"procurement-automation/internal/guardrails"
	"procurement-automation/internal/models"
)

type fakeOrderStore struct {
	mu     sync.Mutex
	orders []models.PurchaseOrder
	audits []string
}

func (s *fakeOrderStore) CreatePurchaseOrder(_ context.Context, po models.PurchaseOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = append(s.orders, po)
	return nil
}

func (s *fakeOrderStore) AppendOrderAudit(_ context.Context, poID, event, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, poID+":"+event)
	return nil
}

func newOrderFixture(t *testing.T, limits guardrails.Limits) (*OrderAdapter, *fakeOrderStore, *events.MemoryPublisher, *guardrails.Checker) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	guard := guardrails.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), limits)
	store := &fakeOrderStore{}
	pub := events.NewMemoryPublisher()
	adapter := NewOrderAdapter(store, guard, pub, nil, nil)
	return adapter, store, pub, guard
}

func orderJob(amount float64) models.AutomationJob {
	return models.AutomationJob{
		TenantID:   "t1",
		RuleID:     "rule-1",
		ActionType: models.ActionCreatePurchaseOrder,
		Context: map[string]any{
			"supplierId":  "sup-1",
			"totalAmount": amount,
			"lines": []any{
				map[string]any{"description": "steel sheets", "quantity": 10.0, "unitPrice": 45.0},
			},
		},
	}
}

func TestOrderAdapterCreatesAndRecords(t *testing.T) {
	adapter, store, pub, guard := newOrderFixture(t, guardrails.Limits{SupplierDailyPOLimit: 5})
	ctx := context.Background()

	res := adapter.Execute(ctx, orderJob(450))
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if len(store.orders) != 1 {
		t.Fatalf("expected one order persisted")
	}
	po := store.orders[0]
	if po.SupplierID != "sup-1" || po.TotalAmount != 450 || len(po.Lines) != 1 {
		t.Fatalf("order fields wrong: %+v", po)
	}
	if !strings.HasPrefix(po.Number, "PO-") {
		t.Fatalf("po number format: %q", po.Number)
	}
	if len(store.audits) != 1 || !strings.HasSuffix(store.audits[0], ":auto_created") {
		t.Fatalf("audit entry missing: %v", store.audits)
	}
	if len(pub.CreatedEvents()) != 1 {
		t.Fatalf("creation event missing")
	}

	// Counters were recorded: a limit of 1 would now block.
	check, err := guard.Check(ctx, models.ActionCreatePurchaseOrder, guardrails.Facts{TenantID: "t1", SupplierID: "sup-1", Amount: 1})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(check.Violations) != 0 && check.Violations[0].CurrentValue != 1 {
		t.Fatalf("supplier counter should be 1, got %+v", check.Violations)
	}
}

func TestOrderAdapterGuardrailAbortsBeforeWrite(t *testing.T) {
	adapter, store, pub, guard := newOrderFixture(t, guardrails.Limits{SupplierDailyPOLimit: 1})
	ctx := context.Background()

	// Consume the supplier's budget directly.
	if err := guard.RecordPOCreated(ctx, "t1", "sup-1", 100); err != nil {
		t.Fatalf("record: %v", err)
	}

	res := adapter.Execute(ctx, orderJob(450))
	if res.Success {
		t.Fatalf("expected guardrail failure")
	}
	if !strings.Contains(res.Error, "guardrail violation") {
		t.Fatalf("error should name the guardrail: %q", res.Error)
	}
	if len(store.orders) != 0 || len(store.audits) != 0 {
		t.Fatalf("guardrail failure must abort before any write")
	}
	if len(pub.CreatedEvents()) != 0 {
		t.Fatalf("no event on aborted creation")
	}
}

func TestOrderAdapterRequiresSupplier(t *testing.T) {
	adapter, _, _, _ := newOrderFixture(t, guardrails.Limits{})
	res := adapter.Execute(context.Background(), models.AutomationJob{TenantID: "t1", Context: map[string]any{}})
	if res.Success || res.Retryable {
		t.Fatalf("missing supplier is a non-retryable failure, got %+v", res)
	}
}
