package models

import (
	"time"
)

// Decision outcomes recorded in the audit trail.
const (
	DecisionAllowed    = "allowed"
	DecisionDenied     = "denied"
	DecisionOverridden = "overridden"
	DecisionEscalated  = "escalated"
)

// Well-known denial reasons surfaced to callers and audit records.
const (
	ReasonKillSwitch      = "Automation kill switch is active"
	ReasonNoMatchingRule  = "No matching allow rule"
	ReasonManualApproval  = "Manual approval required"
	ReasonUnexpectedError = "unexpected_error"
)

// AutomationDecision is the write-once audit record produced exactly once
// per pipeline invocation, whatever the outcome.
type AutomationDecision struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	TriggerEvent   string         `json:"trigger_event"`
	Decision       string         `json:"decision"`
	Reason         string         `json:"reason,omitempty"`
	MatchedRuleID  string         `json:"matched_rule_id,omitempty"`
	DeniedByRule   string         `json:"denied_by_rule,omitempty"`
	ActionType     string         `json:"action_type,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// GuardrailViolation reports one exceeded limit. It is never persisted on
// its own, only carried inside decisions and pipeline results.
type GuardrailViolation struct {
	GuardrailID  string  `json:"guardrail_id"`
	Description  string  `json:"description"`
	CurrentValue float64 `json:"current_value"`
	Threshold    float64 `json:"threshold"`
	// Blocking is false for advisory guardrails such as the dual-approval
	// threshold, which signal "require approval" rather than "deny".
	Blocking bool `json:"blocking"`
}

// Idempotency record statuses.
const (
	IdemPending   = "pending"
	IdemCompleted = "completed"
	IdemFailed    = "failed"
)

// IdempotencyRecord is the per-key execution record held in the shared
// store. A new claim is only possible when the key is absent, expired, or
// failed.
type IdempotencyRecord struct {
	Key        string        `json:"key"`
	Status     string        `json:"status"`
	TenantID   string        `json:"tenant_id"`
	ActionType string        `json:"action_type"`
	Result     *ActionResult `json:"result,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	ExpiresAt  time.Time     `json:"expires_at"`
}
