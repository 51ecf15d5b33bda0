package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"procurement-automation/internal/models"
)

// Store wraps pgxpool for Postgres persistence: purchase orders, shopping
// list items, approval requests, and the automation decision trail.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity for health reporting.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreatePurchaseOrder inserts an automation-created order with its lines as
// a JSON column.
func (s *Store) CreatePurchaseOrder(ctx context.Context, po models.PurchaseOrder) error {
	linesJSON, err := json.Marshal(po.Lines)
	if err != nil {
		return fmt.Errorf("marshal po lines: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO purchase_orders (id, number, tenant_id, supplier_id, facility_id, status, currency, total_amount, lines, rule_id, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, po.ID, po.Number, po.TenantID, po.SupplierID, emptyToNil(po.FacilityID), po.Status, po.Currency, po.TotalAmount, linesJSON, emptyToNil(po.RuleID), po.CreatedBy, po.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert purchase order: %w", err)
	}
	return nil
}

// GetPurchaseOrder fetches one order by id.
func (s *Store) GetPurchaseOrder(ctx context.Context, id string) (models.PurchaseOrder, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, number, tenant_id, supplier_id, facility_id, status, currency, total_amount, lines, rule_id, created_by, created_at
		FROM purchase_orders WHERE id = $1
	`, id)

	var po models.PurchaseOrder
	var linesJSON []byte
	var facility, ruleID pgtype.Text
	if err := row.Scan(&po.ID, &po.Number, &po.TenantID, &po.SupplierID, &facility, &po.Status, &po.Currency, &po.TotalAmount, &linesJSON, &ruleID, &po.CreatedBy, &po.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.PurchaseOrder{}, fmt.Errorf("purchase order not found: %w", err)
		}
		return models.PurchaseOrder{}, fmt.Errorf("scan purchase order: %w", err)
	}
	if err := json.Unmarshal(linesJSON, &po.Lines); err != nil {
		return models.PurchaseOrder{}, fmt.Errorf("unmarshal po lines: %w", err)
	}
	po.FacilityID = textValue(facility)
	po.RuleID = textValue(ruleID)
	return po, nil
}

// AppendOrderAudit adds an order audit row.
func (s *Store) AppendOrderAudit(ctx context.Context, poID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO order_audit_logs (po_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, poID, event, detail)
	return err
}

// CreateShoppingListItem inserts a grouped list item.
func (s *Store) CreateShoppingListItem(ctx context.Context, item models.ShoppingListItem) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO shopping_list_items (id, tenant_id, group_key, supplier_id, facility_id, urgency, item_name, quantity, unit, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, item.ID, item.TenantID, item.GroupKey, item.SupplierID, item.FacilityID, item.Urgency, item.ItemName, item.Quantity, emptyToNil(item.Unit), emptyToNil(item.Note), item.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert shopping list item: %w", err)
	}
	return nil
}

// CreateApprovalRequest inserts a pending manual-approval row.
func (s *Store) CreateApprovalRequest(ctx context.Context, req models.ApprovalRequest) error {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	contextJSON, err := json.Marshal(req.Context)
	if err != nil {
		return fmt.Errorf("marshal approval context: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO approval_requests (id, tenant_id, rule_id, action_type, idempotency_key, amount, reason, context, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, req.ID, req.TenantID, emptyToNil(req.RuleID), req.ActionType, req.IdempotencyKey, req.Amount, req.Reason, contextJSON, req.Status, req.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert approval request: %w", err)
	}
	return nil
}

// PendingApprovals lists unresolved requests for a tenant, oldest first.
func (s *Store) PendingApprovals(ctx context.Context, tenantID string, limit int) ([]models.ApprovalRequest, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, rule_id, action_type, idempotency_key, amount, reason, context, status, created_at
		FROM approval_requests
		WHERE status = $1 AND ($2 = '' OR tenant_id = $2)
		ORDER BY created_at ASC
		LIMIT $3
	`, models.ApprovalPending, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("query approvals: %w", err)
	}
	defer rows.Close()

	var out []models.ApprovalRequest
	for rows.Next() {
		var req models.ApprovalRequest
		var ruleID pgtype.Text
		var contextJSON []byte
		if err := rows.Scan(&req.ID, &req.TenantID, &ruleID, &req.ActionType, &req.IdempotencyKey, &req.Amount, &req.Reason, &contextJSON, &req.Status, &req.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		req.RuleID = textValue(ruleID)
		if len(contextJSON) > 0 {
			if err := json.Unmarshal(contextJSON, &req.Context); err != nil {
				return nil, fmt.Errorf("unmarshal approval context: %w", err)
			}
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// ResolveApproval marks a request approved or rejected.
func (s *Store) ResolveApproval(ctx context.Context, id, status, resolvedBy string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE approval_requests
		SET status = $2, resolved_by = $3, resolved_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, status, resolvedBy, models.ApprovalPending)
	if err != nil {
		return fmt.Errorf("resolve approval: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("approval request %s not pending", id)
	}
	return nil
}

// AppendDecision writes one audit decision row. The table is append-only;
// rows are never updated.
func (s *Store) AppendDecision(ctx context.Context, d models.AutomationDecision) error {
	contextJSON, err := json.Marshal(d.Context)
	if err != nil {
		return fmt.Errorf("marshal decision context: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO automation_decisions (id, tenant_id, trigger_event, decision, reason, matched_rule_id, denied_by_rule, action_type, idempotency_key, context, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, d.ID, d.TenantID, d.TriggerEvent, d.Decision, emptyToNil(d.Reason), emptyToNil(d.MatchedRuleID), emptyToNil(d.DeniedByRule), emptyToNil(d.ActionType), emptyToNil(d.IdempotencyKey), contextJSON, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// RecentDecisions lists the latest decisions for a tenant, newest first.
func (s *Store) RecentDecisions(ctx context.Context, tenantID string, limit int) ([]models.AutomationDecision, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, trigger_event, decision, reason, matched_rule_id, denied_by_rule, action_type, idempotency_key, context, created_at
		FROM automation_decisions
		WHERE ($1 = '' OR tenant_id = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var out []models.AutomationDecision
	for rows.Next() {
		var d models.AutomationDecision
		var reason, matched, denied, actionType, idemKey pgtype.Text
		var contextJSON []byte
		if err := rows.Scan(&d.ID, &d.TenantID, &d.TriggerEvent, &d.Decision, &reason, &matched, &denied, &actionType, &idemKey, &contextJSON, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		d.Reason = textValue(reason)
		d.MatchedRuleID = textValue(matched)
		d.DeniedByRule = textValue(denied)
		d.ActionType = textValue(actionType)
		d.IdempotencyKey = textValue(idemKey)
		if len(contextJSON) > 0 {
			if err := json.Unmarshal(contextJSON, &d.Context); err != nil {
				return nil, fmt.Errorf("unmarshal decision context: %w", err)
			}
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DailyAutoCreatedValue sums auto-created PO value since a cutoff, for
// reconciliation against the Redis guardrail counter.
func (s *Store) DailyAutoCreatedValue(ctx context.Context, tenantID string, since time.Time) (float64, error) {
	var total pgtype.Float8
	if err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(total_amount), 0) FROM purchase_orders
		WHERE tenant_id = $1 AND created_by = 'automation' AND created_at >= $2
	`, tenantID, since).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum auto-created value: %w", err)
	}
	return total.Float64, nil
}

func textValue(t pgtype.Text) string {
	if t.Valid {
		return t.String
	}
	return ""
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
