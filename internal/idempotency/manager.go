package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"procurement-automation/internal/models"
)

// ConcurrentExecutionError signals that another claimant holds the key. The
// caller must not retry immediately; the record either completes (future
// calls replay) or fails (future calls may reclaim).
type ConcurrentExecutionError struct {
	Key    string
	Status string
}

func (e *ConcurrentExecutionError) Error() string {
	return fmt.Sprintf("concurrent execution for key %q (status %s)", e.Key, e.Status)
}

// IsConcurrentExecution reports whether err is a claim-race conflict.
func IsConcurrentExecution(err error) bool {
	var cee *ConcurrentExecutionError
	return errors.As(err, &cee)
}

// Action runs the business side effect exactly once per key.
type Action func(ctx context.Context) (models.ActionResult, error)

// Manager wraps actions with exactly-once semantics backed by Redis records
// at idempotency:<key>. The SET NX claim is the only synchronization
// primitive; no in-process locking is involved, so the manager is correct
// across any number of worker processes.
type Manager struct {
	client       *redis.Client
	pendingTTL   time.Duration
	failedTTL    time.Duration
	completedTTL func(actionType string) time.Duration
}

// New builds a manager. completedTTL maps an action type to the lifetime of
// its completed records; order keys deliberately outlive email keys because
// replay windows differ by business risk.
func New(client *redis.Client, pendingTTL, failedTTL time.Duration, completedTTL func(string) time.Duration) *Manager {
	if pendingTTL == 0 {
		pendingTTL = 10 * time.Minute
	}
	if failedTTL == 0 {
		failedTTL = 15 * time.Minute
	}
	return &Manager{
		client:       client,
		pendingTTL:   pendingTTL,
		failedTTL:    failedTTL,
		completedTTL: completedTTL,
	}
}

func recordKey(key string) string {
	return "idempotency:" + key
}

// Execute runs action at most once for the given key. A completed record
// replays the stored result without invoking action; a pending record raises
// ConcurrentExecutionError; a failed record is deleted and the key reclaimed.
func (m *Manager) Execute(ctx context.Context, key, actionType, tenantID string, action Action) (models.ActionResult, bool, error) {
	existing, found, err := m.Get(ctx, key)
	if err != nil {
		return models.ActionResult{}, false, err
	}
	if found {
		switch existing.Status {
		case models.IdemCompleted:
			result := models.ActionResult{}
			if existing.Result != nil {
				result = *existing.Result
			}
			return result, true, nil
		case models.IdemPending:
			return models.ActionResult{}, false, &ConcurrentExecutionError{Key: key, Status: existing.Status}
		case models.IdemFailed:
			// Stale failure: clear it so this caller can reclaim.
			if err := m.client.Del(ctx, recordKey(key)).Err(); err != nil {
				return models.ActionResult{}, false, fmt.Errorf("delete failed record: %w", err)
			}
		}
	}

	claimed, err := m.claim(ctx, key, actionType, tenantID)
	if err != nil {
		return models.ActionResult{}, false, err
	}
	if !claimed {
		// Lost the race; report the winner's current status.
		winner, found, err := m.Get(ctx, key)
		status := models.IdemPending
		if err == nil && found {
			status = winner.Status
		}
		return models.ActionResult{}, false, &ConcurrentExecutionError{Key: key, Status: status}
	}

	result, actionErr := action(ctx)
	if actionErr != nil || !result.Success {
		if writeErr := m.write(ctx, key, actionType, tenantID, models.IdemFailed, &result, m.failedTTL); writeErr != nil {
			if actionErr == nil {
				return result, false, fmt.Errorf("write failed record: %w", writeErr)
			}
		}
		// Business failures surface through the result; action errors
		// re-raise after the failed-record write.
		return result, false, actionErr
	}

	ttl := m.pendingTTL
	if m.completedTTL != nil {
		ttl = m.completedTTL(actionType)
	}
	if err := m.write(ctx, key, actionType, tenantID, models.IdemCompleted, &result, ttl); err != nil {
		return result, false, fmt.Errorf("write completed record: %w", err)
	}
	return result, false, nil
}

// Get reads the record for a key, reporting absence without error.
func (m *Manager) Get(ctx context.Context, key string) (models.IdempotencyRecord, bool, error) {
	raw, err := m.client.Get(ctx, recordKey(key)).Result()
	if err == redis.Nil {
		return models.IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return models.IdempotencyRecord{}, false, fmt.Errorf("read idempotency record: %w", err)
	}
	var rec models.IdempotencyRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return models.IdempotencyRecord{}, false, fmt.Errorf("decode idempotency record: %w", err)
	}
	return rec, true, nil
}

// Clear removes the record for a key. Administrative use only, for manual
// replay after investigating a failed record.
func (m *Manager) Clear(ctx context.Context, key string) error {
	return m.client.Del(ctx, recordKey(key)).Err()
}

// claim creates a pending record only if the key is absent.
func (m *Manager) claim(ctx context.Context, key, actionType, tenantID string) (bool, error) {
	now := time.Now().UTC()
	rec := models.IdempotencyRecord{
		Key:        key,
		Status:     models.IdemPending,
		TenantID:   tenantID,
		ActionType: actionType,
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.pendingTTL),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("encode pending record: %w", err)
	}
	ok, err := m.client.SetNX(ctx, recordKey(key), payload, m.pendingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claim idempotency key: %w", err)
	}
	return ok, nil
}

// write unconditionally overwrites the record. Only the claim winner calls
// this, so an unconditional SET is safe within one claim lifecycle.
func (m *Manager) write(ctx context.Context, key, actionType, tenantID, status string, result *models.ActionResult, ttl time.Duration) error {
	now := time.Now().UTC()
	rec := models.IdempotencyRecord{
		Key:        key,
		Status:     status,
		TenantID:   tenantID,
		ActionType: actionType,
		Result:     result,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	return m.client.Set(ctx, recordKey(key), payload, ttl).Err()
}
