package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/kestrel-labs/kestrel/internal/domain"
)

const (
	// eventChannel carries ephemeral pub/sub copies of every event.
	eventChannel = "kestrel:events"
	// eventStream is the durable, replayable log of the same events.
	eventStream = "kestrel:events:stream"

	// streamMaxLen is the approximate maximum stream length, enforced via
	// XADD MAXLEN ~.
	streamMaxLen int64 = 10000
)

// EventBus implements domain.EventBus using Redis Pub/Sub for live fan-out
// and a Redis Stream for durable, ordered delivery. Consumers discover new
// markets by watching for market_created events here.
type EventBus struct {
	rdb *redis.Client
}

// NewEventBus creates an EventBus backed by the given Client.
func NewEventBus(c *Client) *EventBus {
	return &EventBus{rdb: c.Underlying()}
}

// Publish writes the event to both the pub/sub channel and the durable
// stream.
func (eb *EventBus) Publish(ctx context.Context, ev domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis: marshal event: %w", err)
	}

	if err := eb.rdb.Publish(ctx, eventChannel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: eventStream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"payload": payload,
		},
	}
	if err := eb.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: stream append event: %w", err)
	}
	return nil
}

// Subscribe creates a pub/sub subscription and returns a read-only channel of
// decoded events. The subscription closes with the context; the returned
// channel is closed at that point as well.
func (eb *EventBus) Subscribe(ctx context.Context) (<-chan domain.Event, error) {
	pubsub := eb.rdb.Subscribe(ctx, eventChannel)

	// Verify the subscription is established by receiving the confirmation.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe events: %w", err)
	}

	out := make(chan domain.Event, 128)
	go func() {
		defer close(out)
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
				var ev domain.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// ReadStream reads up to count events from the durable stream starting after
// lastID. Use "0" as lastID to replay from the beginning, or "$" to read only
// new entries. It returns an empty slice (not an error) when nothing is
// available.
func (eb *EventBus) ReadStream(ctx context.Context, lastID string, count int) ([]domain.StreamEvent, error) {
	if lastID == "" {
		lastID = "0"
	}
	args := &redis.XReadArgs{
		Streams: []string{eventStream, lastID},
		Count:   int64(count),
		Block:   -1,
	}

	results, err := eb.rdb.XRead(ctx, args).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: read event stream: %w", err)
	}

	var events []domain.StreamEvent
	for _, stream := range results {
		for _, msg := range stream.Messages {
			payload, ok := msg.Values["payload"].(string)
			if !ok {
				continue
			}
			var ev domain.Event
			if err := json.Unmarshal([]byte(payload), &ev); err != nil {
				continue
			}
			events = append(events, domain.StreamEvent{ID: msg.ID, Event: ev})
		}
	}
	return events, nil
}

// Compile-time interface check.
var _ domain.EventBus = (*EventBus)(nil)
