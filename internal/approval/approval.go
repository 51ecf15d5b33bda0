package approval

import (
	"procurement-automation/internal/guardrails"
	"procurement-automation/internal/models"
)

// NeedsManualApproval decides whether an action must be handed to a human
// before dispatch. Unknown strategies fail safe and require approval.
func NeedsManualApproval(policy models.ApprovalPolicy, context map[string]any, guardrail guardrails.Result) bool {
	switch policy.Strategy {
	case models.ApprovalAutoApprove:
		return false
	case models.ApprovalAlwaysManual, models.ApprovalSingleApprover:
		return true
	case models.ApprovalThresholdBased:
		amount := AmountFromContext(context)
		if policy.AutoApproveBelow > 0 && amount < policy.AutoApproveBelow {
			return false
		}
		if policy.RequireApprovalAbove > 0 && amount >= policy.RequireApprovalAbove {
			return true
		}
		// Middle band auto-approves unless the dual-approval guardrail fired.
		return guardrail.HasDualApproval()
	default:
		return true
	}
}

// AmountFromContext reads the monetary amount fact used by threshold
// strategies and guardrails. Missing or non-numeric values count as zero.
func AmountFromContext(context map[string]any) float64 {
	switch v := context["totalAmount"].(type) {
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
