package killswitch

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const globalKey = "kill_switch"

// Switch controls the operator kill-switch flags in Redis. A global flag and
// per-tenant flags are independent keys; either being set disables automation
// for the affected tenant before any rule is evaluated.
type Switch struct {
	client *redis.Client
}

func New(client *redis.Client) *Switch {
	return &Switch{client: client}
}

func tenantKey(tenantID string) string {
	return globalKey + ":" + tenantID
}

// Activate sets the flag; empty tenantID means global. Flags have no TTL,
// they stay until explicitly deactivated.
func (s *Switch) Activate(ctx context.Context, tenantID, reason string) error {
	key := globalKey
	if tenantID != "" {
		key = tenantKey(tenantID)
	}
	value := fmt.Sprintf("active since %s", time.Now().UTC().Format(time.RFC3339))
	if reason != "" {
		value += ": " + reason
	}
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("activate kill switch: %w", err)
	}
	return nil
}

// Deactivate clears the flag; empty tenantID means global.
func (s *Switch) Deactivate(ctx context.Context, tenantID string) error {
	key := globalKey
	if tenantID != "" {
		key = tenantKey(tenantID)
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("deactivate kill switch: %w", err)
	}
	return nil
}

// Active reports whether the global flag or the tenant flag is set.
func (s *Switch) Active(ctx context.Context, tenantID string) (bool, error) {
	keys := []string{globalKey}
	if tenantID != "" {
		keys = append(keys, tenantKey(tenantID))
	}
	n, err := s.client.Exists(ctx, keys...).Result()
	if err != nil {
		return false, fmt.Errorf("check kill switch: %w", err)
	}
	return n > 0, nil
}

// GlobalActive reports only the global flag, for health reporting.
func (s *Switch) GlobalActive(ctx context.Context) (bool, error) {
	n, err := s.client.Exists(ctx, globalKey).Result()
	if err != nil {
		return false, fmt.Errorf("check kill switch: %w", err)
	}
	return n > 0, nil
}
