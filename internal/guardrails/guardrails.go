package guardrails

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"procurement-automation/internal/models"
)

// Guardrail IDs.
const (
	GuardrailSupplierDailyPO  = "supplier_daily_po_count"
	GuardrailTenantDailyValue = "tenant_daily_po_value"
	GuardrailTenantHourlyMail = "tenant_hourly_email_count"
	GuardrailDualApproval     = "dual_approval_threshold"
)

// Limits configures the numeric thresholds. A zero threshold disables the
// corresponding guardrail.
type Limits struct {
	SupplierDailyPOLimit  int
	TenantDailyPOValue    float64
	TenantHourlyEmailMax  int
	DualApprovalThreshold float64
}

// Facts are the context fields the checker reads for a prospective action.
type Facts struct {
	TenantID   string
	SupplierID string
	Amount     float64
}

// Result carries every violation, blocking or not. Callers filter on the
// Blocking flag: the dual-approval guardrail signals "require manual
// approval", never a hard stop.
type Result struct {
	Violations []models.GuardrailViolation
}

// Passed reports whether no blocking violation is present.
func (r Result) Passed() bool {
	return len(r.Blocking()) == 0
}

// Blocking returns only the violations that deny the action outright.
func (r Result) Blocking() []models.GuardrailViolation {
	var out []models.GuardrailViolation
	for _, v := range r.Violations {
		if v.Blocking {
			out = append(out, v)
		}
	}
	return out
}

// HasDualApproval reports whether the advisory dual-approval guardrail fired.
func (r Result) HasDualApproval() bool {
	for _, v := range r.Violations {
		if v.GuardrailID == GuardrailDualApproval {
			return true
		}
	}
	return false
}

// Checker evaluates spend and rate limits against counters in Redis. Counter
// keys are bucketed per tenant/supplier by day or hour; monetary counters
// store integer cents so INCRBY stays atomic.
type Checker struct {
	client *redis.Client
	limits Limits
	now    func() time.Time
}

func New(client *redis.Client, limits Limits) *Checker {
	return &Checker{client: client, limits: limits, now: time.Now}
}

func dayBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func hourBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02-15")
}

func poCountKey(tenantID, supplierID string, t time.Time) string {
	return fmt.Sprintf("guardrail:po_count:%s:%s:%s", tenantID, supplierID, dayBucket(t))
}

func poValueKey(tenantID string, t time.Time) string {
	return fmt.Sprintf("guardrail:po_value:%s:%s", tenantID, dayBucket(t))
}

func emailCountKey(tenantID string, t time.Time) string {
	return fmt.Sprintf("guardrail:email_count:%s:%s", tenantID, hourBucket(t))
}

// Check evaluates the guardrails relevant to actionType and returns all
// violations, not just the first. Counters are read only; increments happen
// after successful non-replayed execution via the Record methods, so denied
// or replayed actions never consume rate budget.
func (c *Checker) Check(ctx context.Context, actionType string, facts Facts) (Result, error) {
	var result Result
	now := c.now()

	switch actionType {
	case models.ActionCreatePurchaseOrder:
		if c.limits.SupplierDailyPOLimit > 0 && facts.SupplierID != "" {
			count, err := c.readCounter(ctx, poCountKey(facts.TenantID, facts.SupplierID, now))
			if err != nil {
				return Result{}, err
			}
			if count+1 > int64(c.limits.SupplierDailyPOLimit) {
				result.Violations = append(result.Violations, models.GuardrailViolation{
					GuardrailID:  GuardrailSupplierDailyPO,
					Description:  fmt.Sprintf("supplier %s reached %d auto-created POs today", facts.SupplierID, count),
					CurrentValue: float64(count),
					Threshold:    float64(c.limits.SupplierDailyPOLimit),
					Blocking:     true,
				})
			}
		}
		if c.limits.TenantDailyPOValue > 0 {
			cents, err := c.readCounter(ctx, poValueKey(facts.TenantID, now))
			if err != nil {
				return Result{}, err
			}
			spent := float64(cents) / 100
			if spent+facts.Amount > c.limits.TenantDailyPOValue {
				result.Violations = append(result.Violations, models.GuardrailViolation{
					GuardrailID:  GuardrailTenantDailyValue,
					Description:  fmt.Sprintf("tenant daily auto-created PO value %.2f + %.2f exceeds %.2f", spent, facts.Amount, c.limits.TenantDailyPOValue),
					CurrentValue: spent,
					Threshold:    c.limits.TenantDailyPOValue,
					Blocking:     true,
				})
			}
		}
		if c.limits.DualApprovalThreshold > 0 && facts.Amount >= c.limits.DualApprovalThreshold {
			result.Violations = append(result.Violations, models.GuardrailViolation{
				GuardrailID:  GuardrailDualApproval,
				Description:  fmt.Sprintf("amount %.2f at or above dual-approval threshold %.2f", facts.Amount, c.limits.DualApprovalThreshold),
				CurrentValue: facts.Amount,
				Threshold:    c.limits.DualApprovalThreshold,
				Blocking:     false,
			})
		}
	case models.ActionDispatchEmail:
		if c.limits.TenantHourlyEmailMax > 0 {
			count, err := c.readCounter(ctx, emailCountKey(facts.TenantID, now))
			if err != nil {
				return Result{}, err
			}
			if count+1 > int64(c.limits.TenantHourlyEmailMax) {
				result.Violations = append(result.Violations, models.GuardrailViolation{
					GuardrailID:  GuardrailTenantHourlyMail,
					Description:  fmt.Sprintf("tenant dispatched %d automated emails this hour", count),
					CurrentValue: float64(count),
					Threshold:    float64(c.limits.TenantHourlyEmailMax),
					Blocking:     true,
				})
			}
		}
	}

	return result, nil
}

// RecordPOCreated bumps the per-supplier count and per-tenant value counters
// after a successful, non-replayed order creation.
func (c *Checker) RecordPOCreated(ctx context.Context, tenantID, supplierID string, amount float64) error {
	now := c.now()
	cents := int64(math.Round(amount * 100))
	pipe := c.client.TxPipeline()
	if supplierID != "" {
		key := poCountKey(tenantID, supplierID, now)
		pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, 48*time.Hour)
	}
	valueKey := poValueKey(tenantID, now)
	pipe.IncrBy(ctx, valueKey, cents)
	pipe.Expire(ctx, valueKey, 48*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record po counters: %w", err)
	}
	return nil
}

// RecordEmailDispatched bumps the hourly email counter after a successful,
// non-replayed dispatch.
func (c *Checker) RecordEmailDispatched(ctx context.Context, tenantID string) error {
	now := c.now()
	key := emailCountKey(tenantID, now)
	pipe := c.client.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record email counter: %w", err)
	}
	return nil
}

func (c *Checker) readCounter(ctx context.Context, key string) (int64, error) {
	raw, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read counter %s: %w", key, err)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse counter %s: %w", key, err)
	}
	return n, nil
}
