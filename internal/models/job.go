package models

import (
	"time"
)

// Action types the dispatcher can route.
const (
	ActionCreatePurchaseOrder = "create_purchase_order"
	ActionDispatchEmail       = "dispatch_supplier_email"
	ActionAddShoppingListItem = "add_shopping_list_item"
	ActionHandoffSignedURL    = "handoff_signed_url"
	ActionEscalate            = "escalate"
)

// Fallback behaviors applied when a dispatched action reports failure.
const (
	FallbackRetry      = "retry"
	FallbackEscalate   = "escalate"
	FallbackCompensate = "compensate"
	FallbackHalt       = "halt"
)

// FallbackPolicy controls what happens after a failed action.
type FallbackPolicy struct {
	OnActionFail string `json:"on_action_fail" yaml:"on_action_fail"`
}

// Approval strategies. Unknown strategies require manual approval.
const (
	ApprovalAutoApprove    = "auto_approve"
	ApprovalAlwaysManual   = "always_manual"
	ApprovalSingleApprover = "single_approver"
	ApprovalThresholdBased = "threshold_based"
)

// ApprovalPolicy selects how an action gets approved before dispatch.
type ApprovalPolicy struct {
	Strategy             string  `json:"strategy" yaml:"strategy"`
	AutoApproveBelow     float64 `json:"auto_approve_below,omitempty" yaml:"auto_approve_below,omitempty"`
	RequireApprovalAbove float64 `json:"require_approval_above,omitempty" yaml:"require_approval_above,omitempty"`
}

// AutomationJob is the unit of work handed to the orchestrator. It is created
// once per triggering event; the idempotency key is caller-supplied and
// deterministic per logical action, never reused across distinct actions.
type AutomationJob struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	TriggerEvent   string         `json:"trigger_event"`
	ActionType     string         `json:"action_type"`
	RuleID         string         `json:"rule_id,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
	Context        map[string]any `json:"context"`
	ActionParams   map[string]any `json:"action_params,omitempty"`
	Approval       ApprovalPolicy `json:"approval"`
	Fallback       FallbackPolicy `json:"fallback"`
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `json:"max_attempts"`
	EnqueuedAt     time.Time      `json:"enqueued_at"`
}

// ActionResult is the uniform adapter outcome. Data is opaque to the
// pipeline and embedded verbatim in the idempotency record.
type ActionResult struct {
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
	Retryable bool           `json:"retryable,omitempty"`
}
