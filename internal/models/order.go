package models

import (
	"time"
)

// Purchase order statuses persisted in Postgres.
const (
	POStatusDraft  = "draft"
	POStatusIssued = "issued"
)

// POLine is one line item on a purchase order.
type POLine struct {
	ItemID      string  `json:"item_id,omitempty"`
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
}

// PurchaseOrder is an automation-created order persisted in Postgres.
type PurchaseOrder struct {
	ID          string    `json:"id"`
	Number      string    `json:"number"`
	TenantID    string    `json:"tenant_id"`
	SupplierID  string    `json:"supplier_id"`
	FacilityID  string    `json:"facility_id,omitempty"`
	Status      string    `json:"status"`
	Currency    string    `json:"currency"`
	TotalAmount float64   `json:"total_amount"`
	Lines       []POLine  `json:"lines"`
	RuleID      string    `json:"rule_id,omitempty"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
}

// UrgencyUnassigned is the sentinel used for missing shopping list group
// segments.
const UrgencyUnassigned = "unassigned"

// ShoppingListItem is a grouped procurement request. GroupKey is
// supplier:facility:urgency with "unassigned" filling absent segments.
type ShoppingListItem struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	GroupKey   string    `json:"group_key"`
	SupplierID string    `json:"supplier_id"`
	FacilityID string    `json:"facility_id"`
	Urgency    string    `json:"urgency"`
	ItemName   string    `json:"item_name"`
	Quantity   float64   `json:"quantity"`
	Unit       string    `json:"unit,omitempty"`
	Note       string    `json:"note,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Approval request statuses.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)

// ApprovalRequest is persisted when the pipeline escalates for manual
// approval, giving operators a work queue.
type ApprovalRequest struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	RuleID         string         `json:"rule_id,omitempty"`
	ActionType     string         `json:"action_type"`
	IdempotencyKey string         `json:"idempotency_key"`
	Amount         float64        `json:"amount,omitempty"`
	Reason         string         `json:"reason"`
	Context        map[string]any `json:"context,omitempty"`
	Status         string         `json:"status"`
	ResolvedBy     string         `json:"resolved_by,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
}
