package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Channels for outbound notifications. Publication is best-effort and never
// required for pipeline correctness.
const (
	ChannelActionCreated    = "events:action_created"
	ChannelSecurityDecision = "events:security_decision"
)

// Event is the JSON payload published to downstream collaborators.
type Event struct {
	Type       string         `json:"type"`
	TenantID   string         `json:"tenant_id"`
	ActionType string         `json:"action_type,omitempty"`
	RuleID     string         `json:"rule_id,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Publisher fans out pipeline notifications.
type Publisher interface {
	PublishActionCreated(ctx context.Context, evt Event) error
	PublishSecurityDecision(ctx context.Context, evt Event) error
}

// RedisPublisher publishes JSON events over Redis pub/sub.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) PublishActionCreated(ctx context.Context, evt Event) error {
	return p.publish(ctx, ChannelActionCreated, evt)
}

func (p *RedisPublisher) PublishSecurityDecision(ctx context.Context, evt Event) error {
	return p.publish(ctx, ChannelSecurityDecision, evt)
}

func (p *RedisPublisher) publish(ctx context.Context, channel string, evt Event) error {
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// MemoryPublisher records events for tests.
type MemoryPublisher struct {
	mu       sync.Mutex
	Created  []Event
	Security []Event
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (p *MemoryPublisher) PublishActionCreated(_ context.Context, evt Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Created = append(p.Created, evt)
	return nil
}

func (p *MemoryPublisher) PublishSecurityDecision(_ context.Context, evt Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Security = append(p.Security, evt)
	return nil
}

// CreatedEvents returns a copy of recorded action-created events.
func (p *MemoryPublisher) CreatedEvents() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.Created...)
}

// SecurityEvents returns a copy of recorded security events.
func (p *MemoryPublisher) SecurityEvents() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.Security...)
}
