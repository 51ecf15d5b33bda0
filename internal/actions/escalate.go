package actions

import (
	"bytes"
	"context"
	"fmt"
	"text/template"

	"procurement-automation/internal/models"
)

// EscalationAdapter sends an exception notice to operators. It is used both
// as the "escalate" action type and as the fallback dispatch after a failed
// action; it is never wrapped in idempotency because it is best-effort
// notification, not a business mutation.
type EscalationAdapter struct {
	delivery Delivery
	from     string
	to       string
	tmpl     *template.Template
}

func NewEscalationAdapter(delivery Delivery, from, operatorEmail string) (*EscalationAdapter, error) {
	tmpl, err := template.New("exception_notice").Option("missingkey=zero").Parse(defaultTemplates["exception_notice"])
	if err != nil {
		return nil, fmt.Errorf("parse exception template: %w", err)
	}
	return &EscalationAdapter{delivery: delivery, from: from, to: operatorEmail, tmpl: tmpl}, nil
}

func (a *EscalationAdapter) Execute(ctx context.Context, job models.AutomationJob) models.ActionResult {
	to := a.to
	if override := stringFromContext(job.Context, "operatorEmail"); override != "" {
		to = override
	}
	if to == "" {
		return models.ActionResult{Success: false, Error: "no operator email configured"}
	}

	failedAction := stringFromContext(job.Context, "failedActionType")
	if failedAction == "" {
		failedAction = job.ActionType
	}
	data := map[string]any{
		"actionType": failedAction,
		"tenantId":   job.TenantID,
		"reason":     stringFromContext(job.Context, "reason"),
	}
	var buf bytes.Buffer
	if err := a.tmpl.Execute(&buf, data); err != nil {
		return models.ActionResult{Success: false, Error: fmt.Sprintf("render notice: %v", err)}
	}
	subject, body := splitSubject(buf.String())

	if err := a.delivery.Send(ctx, Message{From: a.from, To: to, Subject: subject, Body: body}); err != nil {
		return models.ActionResult{Success: false, Error: fmt.Sprintf("send notice: %v", err), Retryable: true}
	}
	return models.ActionResult{Success: true, Data: map[string]any{"recipient": to}}
}
