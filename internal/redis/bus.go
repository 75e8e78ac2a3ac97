package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mossy-p/telemed-signaling/internal/relay"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Bus forwards relay deliveries through Redis pub/sub, one channel per room.
type Bus struct {
	client *redis.Client
}

func NewBus(client *redis.Client) *Bus {
	return &Bus{client: client}
}

func (b *Bus) Publish(ctx context.Context, env relay.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	if err := b.client.Publish(ctx, signalChannel(env.Message.RoomID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish to room %s: %w", env.Message.RoomID, err)
	}
	return nil
}

// Listen subscribes to every room channel and hands envelopes to handle in
// the order Redis delivers them.
func (b *Bus) Listen(ctx context.Context, handle func(relay.Envelope)) error {
	pubsub := b.client.PSubscribe(ctx, signalPattern)
	defer pubsub.Close()

	// Receive blocks until Redis confirms the pattern subscription.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", signalPattern, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env relay.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Warn().Err(err).Str("module", "redis").Str("channel", msg.Channel).Msg("dropping malformed envelope")
				continue
			}
			handle(env)
		}
	}
}
