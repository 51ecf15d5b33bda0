package actions

import (
	"bytes"
	"context"
	"fmt"
	"text/template"

	"github.com/sirupsen/logrus"

	"procurement-automation/internal/models"
)

// Message is a rendered email handed to a delivery backend.
type Message struct {
	From    string
	To      string
	Subject string
	Body    string
}

// Delivery sends rendered messages. Transport failures are retryable.
type Delivery interface {
	Send(ctx context.Context, msg Message) error
}

// LogDelivery writes messages to the log instead of a mail transport. Used
// in dev and as the default when no SMTP relay is configured.
type LogDelivery struct {
	Logger *logrus.Logger
}

func (d *LogDelivery) Send(_ context.Context, msg Message) error {
	if d.Logger != nil {
		d.Logger.Infof("email: to=%s subject=%q bytes=%d", msg.To, msg.Subject, len(msg.Body))
	}
	return nil
}

// Built-in templates rendered over the job context. Rules may name any of
// these via the template action param.
var defaultTemplates = map[string]string{
	"supplier_order": "Subject: Purchase order {{.poNumber}}\n\n" +
		"Hello {{.supplierName}},\n\n" +
		"A new purchase order {{.poNumber}} totalling {{.totalAmount}} {{.currency}} has been issued.\n" +
		"Please confirm receipt.\n",
	"reorder_notice": "Subject: Reorder notice for {{.itemName}}\n\n" +
		"Stock for {{.itemName}} dropped below its reorder point.\n" +
		"An automated reorder has been placed with {{.supplierName}}.\n",
	"exception_notice": "Subject: Automation exception{{if .actionType}} ({{.actionType}}){{end}}\n\n" +
		"An automated action requires attention.\n" +
		"Reason: {{.reason}}\n" +
		"Tenant: {{.tenantId}}\n",
}

// EmailAdapter renders a named template and hands it to the delivery
// backend. Transport failure reports Retryable so the worker can reschedule.
type EmailAdapter struct {
	delivery  Delivery
	from      string
	templates map[string]*template.Template
}

func NewEmailAdapter(delivery Delivery, from string) (*EmailAdapter, error) {
	parsed := make(map[string]*template.Template, len(defaultTemplates))
	for name, text := range defaultTemplates {
		t, err := template.New(name).Option("missingkey=zero").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}
		parsed[name] = t
	}
	return &EmailAdapter{delivery: delivery, from: from, templates: parsed}, nil
}

func (a *EmailAdapter) Execute(ctx context.Context, job models.AutomationJob) models.ActionResult {
	to, _ := job.Context["supplierEmail"].(string)
	if to == "" {
		to, _ = job.Context["recipientEmail"].(string)
	}
	if to == "" {
		return models.ActionResult{Success: false, Error: "no recipient email in context"}
	}

	name, _ := job.ActionParams["template"].(string)
	if name == "" {
		name = "supplier_order"
	}
	tmpl, ok := a.templates[name]
	if !ok {
		return models.ActionResult{Success: false, Error: fmt.Sprintf("unknown email template %q", name)}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, job.Context); err != nil {
		return models.ActionResult{Success: false, Error: fmt.Sprintf("render template: %v", err)}
	}
	subject, body := splitSubject(buf.String())

	msg := Message{From: a.from, To: to, Subject: subject, Body: body}
	if err := a.delivery.Send(ctx, msg); err != nil {
		return models.ActionResult{
			Success:   false,
			Error:     fmt.Sprintf("send email: %v", err),
			Retryable: true,
		}
	}
	return models.ActionResult{
		Success: true,
		Data: map[string]any{
			"recipient": to,
			"template":  name,
			"subject":   subject,
		},
	}
}

// splitSubject peels a leading "Subject: ..." line off a rendered template.
func splitSubject(rendered string) (string, string) {
	const prefix = "Subject: "
	if len(rendered) > len(prefix) && rendered[:len(prefix)] == prefix {
		for i := len(prefix); i < len(rendered); i++ {
			if rendered[i] == '\n' {
				return rendered[len(prefix):i], rendered[i+1:]
			}
		}
	}
	return "Automated notification", rendered
}
