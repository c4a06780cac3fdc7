package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultChannelPrefix namespaces triage rooms on a shared Redis.
const DefaultChannelPrefix = "triage:"

// RedisPublisher publishes events on Redis Pub/Sub, one channel per room.
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

func NewRedisPublisher(client *redis.Client, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.prefix+event.Room, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", event.Type, err)
	}
	return nil
}

// Relay subscribes to every room channel under prefix and hands each event
// to local, typically the websocket hub of this instance. It blocks until ctx
// is cancelled.
func Relay(ctx context.Context, client *redis.Client, prefix string, local Publisher, logger zerolog.Logger) error {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	pubsub := client.PSubscribe(ctx, prefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s*: %w", prefix, err)
	}
	logger.Info().Str("pattern", prefix+"*").Msg("event relay subscribed")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			event, err := decodeRelayed(prefix, msg.Channel, msg.Payload)
			if err != nil {
				logger.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed event")
				continue
			}
			if err := local.Publish(ctx, event); err != nil {
				logger.Warn().Err(err).Str("event", event.Type).Msg("local delivery failed")
			}
		}
	}
}

func decodeRelayed(prefix, channel, payload string) (Event, error) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if event.Room == "" {
		event.Room = strings.TrimPrefix(channel, prefix)
	}
	return event, nil
}
