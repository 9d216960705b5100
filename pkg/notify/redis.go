package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the pub/sub channel replicas share.
const DefaultChannel = "quorum:notifications"

// envelope is the wire form of one fanout message. An empty Identity
// means broadcast.
type envelope struct {
	Identity string          `json:"identity,omitempty"`
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// RedisPublisher publishes events to a Redis channel so that every
// replica's Relay delivers them to its local hub. When Redis is
// unreachable it falls back to local delivery.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
	local   Notifier
	logger  *slog.Logger
}

// NewRedisPublisher creates a publisher on channel with local as fallback.
func NewRedisPublisher(client redis.UniversalClient, channel string, local Notifier, logger *slog.Logger) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPublisher{client: client, channel: channel, local: local, logger: logger.With("component", "notify")}
}

func (p *RedisPublisher) Notify(ctx context.Context, identity, event string, payload any) {
	if err := p.publish(ctx, identity, event, payload); err != nil {
		p.logger.WarnContext(ctx, "redis publish failed, delivering locally", "event", event, "error", err)
		p.local.Notify(ctx, identity, event, payload)
	}
}

func (p *RedisPublisher) Broadcast(ctx context.Context, event string, payload any) {
	if err := p.publish(ctx, "", event, payload); err != nil {
		p.logger.WarnContext(ctx, "redis publish failed, delivering locally", "event", event, "error", err)
		p.local.Broadcast(ctx, event, payload)
	}
}

func (p *RedisPublisher) publish(ctx context.Context, identity, event string, payload any) error {
	env := envelope{Identity: identity, Event: event}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		env.Payload = raw
	}
	msg, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.channel, msg).Err()
}

// Relay delivers messages from the shared channel into a local Notifier.
type Relay struct {
	client  redis.UniversalClient
	channel string
	local   Notifier
	logger  *slog.Logger
}

// NewRelay creates a relay from channel into local.
func NewRelay(client redis.UniversalClient, channel string, local Notifier, logger *slog.Logger) *Relay {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{client: client, channel: channel, local: local, logger: logger.With("component", "notify")}
}

// Run subscribes and relays until ctx is cancelled. ready, if non-nil, is
// closed once the subscription is confirmed.
func (r *Relay) Run(ctx context.Context, ready chan<- struct{}) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	if ready != nil {
		close(ready)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.logger.WarnContext(ctx, "dropping malformed notification", "error", err)
				continue
			}
			var payload any
			if len(env.Payload) > 0 {
				payload = env.Payload
			}
			if env.Identity == "" {
				r.local.Broadcast(ctx, env.Event, payload)
			} else {
				r.local.Notify(ctx, env.Identity, env.Event, payload)
			}
		}
	}
}
