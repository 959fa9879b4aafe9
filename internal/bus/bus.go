package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Notification announces one processed occurrence to downstream consumers
// (web hooks, real-time push). Delivery is best effort: publications may be
// coalesced or lost without affecting pipeline correctness.
type Notification struct {
	Type           string `json:"type"`
	EventID        int64  `json:"event_id"`
	StackID        int64  `json:"stack_id"`
	ProjectID      int64  `json:"project_id"`
	OrganizationID int64  `json:"organization_id"`
	IsNew          bool   `json:"is_new"`
	IsRegression   bool   `json:"is_regression"`
}

type Publisher interface {
	Publish(ctx context.Context, n Notification) error
	Close() error
}

type redisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(client *redis.Client, channel string) Publisher {
	return &redisPublisher{
		client:  client,
		channel: channel,
	}
}

func (p *redisPublisher) Publish(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

func (p *redisPublisher) Close() error {
	return p.client.Close()
}
