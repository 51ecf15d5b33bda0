package actions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"procurement-automation/internal/events"
	"procurement-automation/internal/models"
)

// ListStore persists shopping list items.
type ListStore interface {
	CreateShoppingListItem(ctx context.Context, item models.ShoppingListItem) error
}

// ShoppingListAdapter adds a grouped procurement request. The group key is
// supplier:facility:urgency, each segment falling back to "unassigned".
type ShoppingListAdapter struct {
	store  ListStore
	events events.Publisher
}

func NewShoppingListAdapter(store ListStore, pub events.Publisher) *ShoppingListAdapter {
	return &ShoppingListAdapter{store: store, events: pub}
}

func (a *ShoppingListAdapter) Execute(ctx context.Context, job models.AutomationJob) models.ActionResult {
	itemName := stringFromContext(job.Context, "itemName")
	if itemName == "" {
		return models.ActionResult{Success: false, Error: "itemName is required"}
	}

	supplier := orUnassigned(stringFromContext(job.Context, "supplierId"))
	facility := orUnassigned(stringFromContext(job.Context, "facilityId"))
	urgency := orUnassigned(stringFromContext(job.Context, "urgency"))

	item := models.ShoppingListItem{
		ID:         uuid.New().String(),
		TenantID:   job.TenantID,
		GroupKey:   strings.Join([]string{supplier, facility, urgency}, ":"),
		SupplierID: supplier,
		FacilityID: facility,
		Urgency:    urgency,
		ItemName:   itemName,
		Quantity:   numberFromContext(job.Context, "quantity"),
		Unit:       stringFromContext(job.Context, "unit"),
		Note:       stringFromContext(job.Context, "note"),
		CreatedAt:  time.Now().UTC(),
	}
	if err := a.store.CreateShoppingListItem(ctx, item); err != nil {
		return models.ActionResult{Success: false, Error: fmt.Sprintf("persist shopping list item: %v", err), Retryable: true}
	}

	// Best-effort notification; persistence already succeeded.
	_ = a.events.PublishActionCreated(ctx, events.Event{
		Type:       "shopping_list.item_added",
		TenantID:   job.TenantID,
		ActionType: models.ActionAddShoppingListItem,
		RuleID:     job.RuleID,
		Data:       map[string]any{"item_id": item.ID, "group_key": item.GroupKey},
	})

	return models.ActionResult{
		Success: true,
		Data: map[string]any{
			"item_id":   item.ID,
			"group_key": item.GroupKey,
		},
	}
}

func orUnassigned(v string) string {
	if v == "" {
		return models.UrgencyUnassigned
	}
	return v
}
