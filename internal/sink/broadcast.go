package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/MonGDCH/gaia-queue/internal/domain"
)

type pubSubClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// Broadcast publishes outcomes as JSON on a Redis channel.
type Broadcast struct {
	client  pubSubClient
	channel string
}

func NewBroadcast(client pubSubClient, channel string) *Broadcast {
	return &Broadcast{client: client, channel: channel}
}

// Channel returns the pub/sub channel name.
func (b *Broadcast) Channel() string { return b.channel }

func (b *Broadcast) Handle(ctx context.Context, o domain.Outcome) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}
	return b.client.Publish(ctx, b.channel, data).Err()
}

// Subscribe streams published outcomes until ctx is done.
func (b *Broadcast) Subscribe(ctx context.Context) (<-chan domain.Outcome, error) {
	pubsub := b.client.Subscribe(ctx, b.channel)

	// Wait for confirmation that we are subscribed
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to outcomes: %w", err)
	}

	outCh := make(chan domain.Outcome)
	go func() {
		defer close(outCh)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var o domain.Outcome
				if err := json.Unmarshal([]byte(msg.Payload), &o); err != nil {
					slog.Error("failed to unmarshal outcome", "channel", b.channel, "error", err)
					continue
				}
				select {
				case outCh <- o:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return outCh, nil
}
