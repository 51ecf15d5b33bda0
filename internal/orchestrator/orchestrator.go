// Package orchestrator sequences the automation pipeline: kill switch, rule
// evaluation, guardrails, approval, idempotent execution, counter update,
// audit. Every invocation produces exactly one audit decision, best-effort
// even on unexpected errors, and all coordination state lives in Redis so
// any number of workers can run pipelines concurrently.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"procurement-automation/internal/actions"
	"procurement-automation/internal/approval"
	"procurement-automation/internal/audit"
	"procurement-automation/internal/events"
	"procurement-automation/internal/guardrails"
	"procurement-automation/internal/idempotency"
	"procurement-automation/internal/killswitch"
	"procurement-automation/internal/models"
	"procurement-automation/internal/rules"
	"procurement-automation/internal/telemetry"
)

// RuleSource supplies the active rule set for a tenant.
type RuleSource interface {
	ForTenant(tenantID string) ([]models.AutomationRule, error)
}

// ApprovalStore persists manual-approval requests so operators have a queue.
// Writes are best-effort.
type ApprovalStore interface {
	CreateApprovalRequest(ctx context.Context, req models.ApprovalRequest) error
}

// Outcome is the single execution result per job.
type Outcome struct {
	Decision       string
	Reason         string
	MatchedRuleID  string
	DeniedByRuleID string
	Violations     []models.GuardrailViolation
	Result         *models.ActionResult
	WasReplay      bool
	// Retryable asks the worker to reschedule with backoff; the pipeline
	// itself never loops.
	Retryable bool
}

// Engine runs the pipeline. It is the only component with side effects
// beyond the shared store.
type Engine struct {
	rules      RuleSource
	kill       *killswitch.Switch
	guard      *guardrails.Checker
	idem       *idempotency.Manager
	dispatcher *actions.Dispatcher
	audit      *audit.Service
	events     events.Publisher
	approvals  ApprovalStore

	actionTimeout time.Duration
	logger        *logrus.Logger
}

// New wires the engine. approvals may be nil when no approval queue is
// configured.
func New(ruleSource RuleSource, kill *killswitch.Switch, guard *guardrails.Checker, idem *idempotency.Manager, dispatcher *actions.Dispatcher, auditSvc *audit.Service, pub events.Publisher, approvals ApprovalStore, actionTimeout time.Duration, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	if actionTimeout == 0 {
		actionTimeout = 30 * time.Second
	}
	return &Engine{
		rules:         ruleSource,
		kill:          kill,
		guard:         guard,
		idem:          idem,
		dispatcher:    dispatcher,
		audit:         auditSvc,
		events:        pub,
		approvals:     approvals,
		actionTimeout: actionTimeout,
		logger:        logger,
	}
}

// Run executes the full pipeline for one job. Policy denials come back as
// Outcome values; infrastructure errors and concurrency conflicts are
// returned as errors after a best-effort audit write.
func (e *Engine) Run(ctx context.Context, job models.AutomationJob) (Outcome, error) {
	// Kill switch first: the cheapest short-circuit, before any rule work.
	killed, err := e.kill.Active(ctx, job.TenantID)
	if err != nil {
		return e.unexpected(ctx, job, fmt.Errorf("kill switch check: %w", err))
	}
	if killed {
		out := Outcome{Decision: models.DecisionDenied, Reason: models.ReasonKillSwitch}
		e.finish(ctx, job, out)
		return out, nil
	}

	ruleSet, err := e.rules.ForTenant(job.TenantID)
	if err != nil {
		return e.unexpected(ctx, job, fmt.Errorf("load rules: %w", err))
	}
	eval := rules.Evaluate(ruleSet, job.TriggerEvent, job.Context)
	if !eval.Allowed {
		out := Outcome{Decision: models.DecisionDenied, Reason: models.ReasonNoMatchingRule}
		if eval.DeniedByRule != nil {
			out.DeniedByRuleID = eval.DeniedByRule.ID
			out.Reason = fmt.Sprintf("Denied by rule %s", eval.DeniedByRule.ID)
		}
		e.finish(ctx, job, out)
		return out, nil
	}
	job = applyRuleDefaults(job, *eval.MatchedAllowRule)

	check, err := e.guard.Check(ctx, job.ActionType, guardrails.Facts{
		TenantID:   job.TenantID,
		SupplierID: stringFact(job.Context, "supplierId"),
		Amount:     approval.AmountFromContext(job.Context),
	})
	if err != nil {
		return e.unexpected(ctx, job, fmt.Errorf("guardrail check: %w", err))
	}
	if blocking := check.Blocking(); len(blocking) > 0 {
		telemetry.GuardrailViolations.Inc()
		descriptions := make([]string, len(blocking))
		for i, v := range blocking {
			descriptions[i] = v.Description
		}
		out := Outcome{
			Decision:      models.DecisionDenied,
			Reason:        "Guardrail violation: " + strings.Join(descriptions, "; "),
			MatchedRuleID: job.RuleID,
			Violations:    check.Violations,
		}
		e.finish(ctx, job, out)
		return out, nil
	}

	if approval.NeedsManualApproval(job.Approval, job.Context, check) {
		telemetry.Escalations.Inc()
		e.queueApprovalRequest(ctx, job)
		e.notifyOperators(ctx, job, models.ReasonManualApproval)
		out := Outcome{
			Decision:      models.DecisionEscalated,
			Reason:        models.ReasonManualApproval,
			MatchedRuleID: job.RuleID,
			Violations:    check.Violations,
		}
		e.finish(ctx, job, out)
		return out, nil
	}

	result, replay, err := e.idem.Execute(ctx, job.IdempotencyKey, job.ActionType, job.TenantID, func(ctx context.Context) (models.ActionResult, error) {
		actx, cancel := context.WithTimeout(ctx, e.timeoutFor(job))
		defer cancel()
		return e.dispatcher.Dispatch(actx, job)
	})
	if err != nil {
		if idempotency.IsConcurrentExecution(err) {
			telemetry.ConcurrencyConflicts.Inc()
		}
		return e.unexpected(ctx, job, err)
	}
	if replay {
		telemetry.Replays.Inc()
	}

	if !result.Success {
		out := e.applyFallback(ctx, job, result)
		e.finish(ctx, job, out)
		return out, nil
	}

	if !replay {
		e.updateCounters(ctx, job)
		e.publishCreated(ctx, job, result)
	}

	out := Outcome{
		Decision:      models.DecisionAllowed,
		MatchedRuleID: job.RuleID,
		Result:        &result,
		WasReplay:     replay,
	}
	e.finish(ctx, job, out)
	return out, nil
}

// applyFallback handles a business-level action failure per the job's
// fallback policy. The escalation dispatch is deliberately not wrapped in
// idempotency: it is notification, not a business mutation.
func (e *Engine) applyFallback(ctx context.Context, job models.AutomationJob, result models.ActionResult) Outcome {
	reason := fmt.Sprintf("Action failed: %s", result.Error)
	out := Outcome{
		Decision:      models.DecisionDenied,
		Reason:        reason,
		MatchedRuleID: job.RuleID,
		Result:        &result,
	}

	switch job.Fallback.OnActionFail {
	case models.FallbackEscalate:
		telemetry.Escalations.Inc()
		e.notifyOperators(ctx, job, reason)
		out.Decision = models.DecisionEscalated
	case models.FallbackCompensate:
		if comp, ok := e.dispatcher.Compensator(job.ActionType); ok {
			if res := comp.Execute(ctx, job); !res.Success {
				e.logger.Warnf("orchestrator: compensation failed for %s: %s", job.ActionType, res.Error)
			}
		} else {
			e.logger.Warnf("orchestrator: no compensator registered for %s, halting", job.ActionType)
		}
	case models.FallbackRetry:
		out.Retryable = true
	}
	if result.Retryable {
		out.Retryable = true
	}
	return out
}

// unexpected audits an infrastructure error as a denied decision and
// re-raises it. The pipeline never swallows these.
func (e *Engine) unexpected(ctx context.Context, job models.AutomationJob, err error) (Outcome, error) {
	e.logger.Warnf("orchestrator: unexpected error for tenant %s key %s: %v", job.TenantID, job.IdempotencyKey, err)
	out := Outcome{Decision: models.DecisionDenied, Reason: models.ReasonUnexpectedError}
	e.finish(ctx, job, out)
	return Outcome{}, err
}

// finish records the single audit decision for this invocation and emits a
// security event for every blocking outcome. Both are best-effort.
func (e *Engine) finish(ctx context.Context, job models.AutomationJob, out Outcome) {
	telemetry.DecisionsByOutcome.WithLabelValues(out.Decision).Inc()
	e.audit.Record(ctx, models.AutomationDecision{
		TenantID:       job.TenantID,
		TriggerEvent:   job.TriggerEvent,
		Decision:       out.Decision,
		Reason:         out.Reason,
		MatchedRuleID:  out.MatchedRuleID,
		DeniedByRule:   out.DeniedByRuleID,
		ActionType:     job.ActionType,
		IdempotencyKey: job.IdempotencyKey,
		Context:        job.Context,
	})
	if out.Decision != models.DecisionAllowed {
		if err := e.events.PublishSecurityDecision(ctx, events.Event{
			Type:       "automation." + out.Decision,
			TenantID:   job.TenantID,
			ActionType: job.ActionType,
			RuleID:     job.RuleID,
			Reason:     out.Reason,
		}); err != nil {
			e.logger.Warnf("orchestrator: publish security event failed: %v", err)
		}
	}
}

// updateCounters bumps post-action rate counters. PO counters are recorded
// inside the order adapter at persistence time, so only email counters are
// handled here; failures are logged, never propagated.
func (e *Engine) updateCounters(ctx context.Context, job models.AutomationJob) {
	if job.ActionType == models.ActionDispatchEmail {
		if err := e.guard.RecordEmailDispatched(ctx, job.TenantID); err != nil {
			e.logger.Warnf("orchestrator: record email counter failed: %v", err)
		}
	}
}

// publishCreated emits the action-created event for adapters that do not
// publish their own (order and shopping list adapters publish at write
// time).
func (e *Engine) publishCreated(ctx context.Context, job models.AutomationJob, result models.ActionResult) {
	switch job.ActionType {
	case models.ActionCreatePurchaseOrder, models.ActionAddShoppingListItem:
		return
	}
	if err := e.events.PublishActionCreated(ctx, events.Event{
		Type:       "automation.action_created",
		TenantID:   job.TenantID,
		ActionType: job.ActionType,
		RuleID:     job.RuleID,
		Data:       result.Data,
	}); err != nil {
		e.logger.Warnf("orchestrator: publish created event failed: %v", err)
	}
}

// notifyOperators performs the secondary, non-idempotent escalation
// dispatch carrying the reason for the hand-off.
func (e *Engine) notifyOperators(ctx context.Context, job models.AutomationJob, reason string) {
	notice := models.AutomationJob{
		TenantID:     job.TenantID,
		TriggerEvent: job.TriggerEvent,
		ActionType:   models.ActionEscalate,
		RuleID:       job.RuleID,
		Context: map[string]any{
			"reason":           reason,
			"failedActionType": job.ActionType,
			"operatorEmail":    job.Context["operatorEmail"],
		},
	}
	res, err := e.dispatcher.Dispatch(ctx, notice)
	if err != nil {
		e.logger.Warnf("orchestrator: escalation dispatch failed: %v", err)
		return
	}
	if !res.Success {
		e.logger.Warnf("orchestrator: escalation notice failed: %s", res.Error)
	}
}

// queueApprovalRequest persists a pending approval so operators can act on
// it later. Best-effort.
func (e *Engine) queueApprovalRequest(ctx context.Context, job models.AutomationJob) {
	if e.approvals == nil {
		return
	}
	req := models.ApprovalRequest{
		TenantID:       job.TenantID,
		RuleID:         job.RuleID,
		ActionType:     job.ActionType,
		IdempotencyKey: job.IdempotencyKey,
		Amount:         approval.AmountFromContext(job.Context),
		Reason:         models.ReasonManualApproval,
		Context:        job.Context,
		Status:         models.ApprovalPending,
		CreatedAt:      time.Now().UTC(),
	}
	if err := e.approvals.CreateApprovalRequest(ctx, req); err != nil {
		e.logger.Warnf("orchestrator: persist approval request failed: %v", err)
	}
}

func (e *Engine) timeoutFor(job models.AutomationJob) time.Duration {
	if raw, ok := job.ActionParams["timeout_seconds"]; ok {
		switch v := raw.(type) {
		case float64:
			if v > 0 {
				return time.Duration(v * float64(time.Second))
			}
		case int:
			if v > 0 {
				return time.Duration(v) * time.Second
			}
		}
	}
	return e.actionTimeout
}

// applyRuleDefaults fills job fields the event producer left blank from the
// matched allow rule. Explicit job fields always win.
func applyRuleDefaults(job models.AutomationJob, rule models.AutomationRule) models.AutomationJob {
	if job.RuleID == "" {
		job.RuleID = rule.ID
	}
	if job.ActionType == "" {
		job.ActionType = rule.Action.Type
	}
	if job.Approval.Strategy == "" {
		job.Approval = rule.Approval
	}
	if job.Fallback.OnActionFail == "" {
		job.Fallback = rule.Fallback
	}
	if len(rule.Action.Params) > 0 {
		merged := make(map[string]any, len(rule.Action.Params)+len(job.ActionParams))
		for k, v := range rule.Action.Params {
			merged[k] = v
		}
		for k, v := range job.ActionParams {
			merged[k] = v
		}
		job.ActionParams = merged
	}
	return job
}

func stringFact(context map[string]any, key string) string {
	s, _ := context[key].(string)
	return s
}
