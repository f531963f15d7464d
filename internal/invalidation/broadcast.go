package invalidation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel carries invalidation events between nodes.
const DefaultChannel = "cache:invalidation"

// Event kinds.
const (
	KindRole            = "role"
	KindUser            = "user"
	KindUserPermissions = "user-permissions"
	KindUserDeleted     = "user-deleted"
	KindPattern         = "pattern"
	KindAll             = "all"
)

// Event describes an invalidation that peers apply to their local caches.
type Event struct {
	Kind    string `json:"kind"`
	Role    string `json:"role,omitempty"`
	UserID  int64  `json:"user_id,omitempty"`
	Pattern string `json:"pattern,omitempty"`
	Origin  string `json:"origin"`
}

// Broadcaster fans invalidation events out to every node.
type Broadcaster interface {
	Publish(ctx context.Context, ev Event) error
	// Subscribe delivers events to handle until ctx is done. It returns once
	// the subscription is active.
	Subscribe(ctx context.Context, handle func(Event)) error
}

// RedisBroadcaster implements Broadcaster with Redis pub/sub.
type RedisBroadcaster struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewRedisBroadcaster builds a broadcaster on channel.
func NewRedisBroadcaster(client *redis.Client, channel string, logger *slog.Logger) *RedisBroadcaster {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBroadcaster{client: client, channel: channel, logger: logger}
}

// Publish sends ev to every subscriber.
func (b *RedisBroadcaster) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish invalidation: %w", err)
	}
	return nil
}

// Subscribe listens on the channel in the background.
func (b *RedisBroadcaster) Subscribe(ctx context.Context, handle func(Event)) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.logger.Warn("invalid invalidation event", slog.String("channel", b.channel), slog.Any("error", err))
					continue
				}
				handle(ev)
			}
		}
	}()
	return nil
}

// NopBroadcaster drops every event; used by single-node deployments.
type NopBroadcaster struct{}

func (NopBroadcaster) Publish(context.Context, Event) error         { return nil }
func (NopBroadcaster) Subscribe(context.Context, func(Event)) error { return nil }
