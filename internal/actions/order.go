package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"procurement-automation/internal/archive"
	"procurement-automation/internal/events"
	"procurement-automation/internal/guardrails"
	"procurement-automation/internal/models"
)

// OrderStore persists purchase orders and their audit trail.
type OrderStore interface {
	CreatePurchaseOrder(ctx context.Context, po models.PurchaseOrder) error
	AppendOrderAudit(ctx context.Context, poID, event, detail string) error
}

// OrderAdapter creates a purchase order. It re-checks guardrails at the
// point of persistence: the orchestrator already checked them, but the gap
// between decision and write is wide enough for another worker to consume
// the remaining budget. A blocking violation here aborts before any write.
type OrderAdapter struct {
	store    OrderStore
	guard    *guardrails.Checker
	events   events.Publisher
	archiver archive.Archiver
	logger   *logrus.Logger
}

func NewOrderAdapter(store OrderStore, guard *guardrails.Checker, pub events.Publisher, archiver archive.Archiver, logger *logrus.Logger) *OrderAdapter {
	if logger == nil {
		logger = logrus.New()
	}
	return &OrderAdapter{store: store, guard: guard, events: pub, archiver: archiver, logger: logger}
}

func (a *OrderAdapter) Execute(ctx context.Context, job models.AutomationJob) models.ActionResult {
	supplierID, _ := job.Context["supplierId"].(string)
	if supplierID == "" {
		return models.ActionResult{Success: false, Error: "supplierId is required"}
	}
	amount := numberFromContext(job.Context, "totalAmount")

	check, err := a.guard.Check(ctx, models.ActionCreatePurchaseOrder, guardrails.Facts{
		TenantID:   job.TenantID,
		SupplierID: supplierID,
		Amount:     amount,
	})
	if err != nil {
		return models.ActionResult{Success: false, Error: fmt.Sprintf("guardrail check: %v", err), Retryable: true}
	}
	if blocking := check.Blocking(); len(blocking) > 0 {
		descriptions := make([]string, len(blocking))
		for i, v := range blocking {
			descriptions[i] = v.Description
		}
		return models.ActionResult{Success: false, Error: "guardrail violation: " + strings.Join(descriptions, "; ")}
	}

	po := models.PurchaseOrder{
		ID:          uuid.New().String(),
		Number:      poNumber(),
		TenantID:    job.TenantID,
		SupplierID:  supplierID,
		FacilityID:  stringFromContext(job.Context, "facilityId"),
		Status:      models.POStatusIssued,
		Currency:    currencyOrDefault(job.Context),
		TotalAmount: amount,
		Lines:       linesFromContext(job.Context),
		RuleID:      job.RuleID,
		CreatedBy:   "automation",
		CreatedAt:   time.Now().UTC(),
	}
	if err := a.store.CreatePurchaseOrder(ctx, po); err != nil {
		return models.ActionResult{Success: false, Error: fmt.Sprintf("persist purchase order: %v", err), Retryable: true}
	}

	if err := a.store.AppendOrderAudit(ctx, po.ID, "auto_created", fmt.Sprintf("rule=%s amount=%.2f", job.RuleID, amount)); err != nil {
		a.logger.Warnf("order: append audit failed for %s: %v", po.ID, err)
	}
	if err := a.guard.RecordPOCreated(ctx, job.TenantID, supplierID, amount); err != nil {
		a.logger.Warnf("order: record counters failed for %s: %v", po.ID, err)
	}
	if err := a.events.PublishActionCreated(ctx, events.Event{
		Type:       "purchase_order.created",
		TenantID:   job.TenantID,
		ActionType: models.ActionCreatePurchaseOrder,
		RuleID:     job.RuleID,
		Data:       map[string]any{"po_id": po.ID, "po_number": po.Number, "total_amount": amount},
	}); err != nil {
		a.logger.Warnf("order: publish event failed for %s: %v", po.ID, err)
	}
	a.archiveSnapshot(ctx, po)

	return models.ActionResult{
		Success: true,
		Data: map[string]any{
			"po_id":     po.ID,
			"po_number": po.Number,
		},
	}
}

func (a *OrderAdapter) archiveSnapshot(ctx context.Context, po models.PurchaseOrder) {
	if a.archiver == nil {
		return
	}
	doc, err := json.MarshalIndent(po, "", "  ")
	if err != nil {
		a.logger.Warnf("order: encode snapshot failed for %s: %v", po.ID, err)
		return
	}
	key := fmt.Sprintf("%s/%s/%s.json", po.TenantID, po.CreatedAt.Format("2006-01-02"), po.Number)
	if _, err := a.archiver.Store(ctx, key, doc); err != nil {
		a.logger.Warnf("order: archive snapshot failed for %s: %v", po.ID, err)
	}
}

func poNumber() string {
	id := uuid.New().String()
	return fmt.Sprintf("PO-%s-%s", time.Now().UTC().Format("20060102"), strings.ToUpper(id[:8]))
}

func currencyOrDefault(context map[string]any) string {
	if c, ok := context["currency"].(string); ok && c != "" {
		return c
	}
	return "USD"
}

func stringFromContext(context map[string]any, key string) string {
	s, _ := context[key].(string)
	return s
}

func numberFromContext(context map[string]any, key string) float64 {
	switch v := context[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

func linesFromContext(context map[string]any) []models.POLine {
	raw, ok := context["lines"].([]any)
	if !ok {
		return nil
	}
	lines := make([]models.POLine, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		lines = append(lines, models.POLine{
			ItemID:      stringFromContext(m, "itemId"),
			Description: stringFromContext(m, "description"),
			Quantity:    numberFromContext(m, "quantity"),
			UnitPrice:   numberFromContext(m, "unitPrice"),
		})
	}
	return lines
}
