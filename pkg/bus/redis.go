package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBus implements Bus over Redis Pub/Sub. Each logical topic maps to the
// wire channel "meshplane.<topic>.v1"; the record key travels in a small JSON
// envelope around the payload.
//
// Redis Pub/Sub is fire-and-forget: messages published while a stage is down
// are lost. The pipeline tolerates this: absence of input is a normal no-op
// for every stage.
type RedisBus struct {
	client *redis.Client

	mu     sync.Mutex
	closed bool
}

// envelope wraps a payload with its record key on the wire.
type envelope struct {
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload"`
}

// WireTopic returns the Redis channel name for a logical topic.
func WireTopic(topic string) string {
	return fmt.Sprintf("meshplane.%s.v1", topic)
}

// NewRedisBus connects to Redis and verifies the connection.
//
// Parameters mirror the usual client knobs: addr ("localhost:6379"),
// password (empty for no auth) and db (typically 0).
func NewRedisBus(addr, password string, db int) (*RedisBus, error) {
	if addr == "" {
		return nil, errors.New("redis address cannot be empty")
	}
	if db < 0 {
		return nil, errors.New("redis database number must be >= 0")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &RedisBus{client: client}, nil
}

// Publish sends the payload to the topic's Redis channel.
func (b *RedisBus) Publish(ctx context.Context, topic, key string, payload []byte) error {
	data, err := json.Marshal(envelope{Key: key, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	if err := b.client.Publish(ctx, WireTopic(topic), data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe opens a Redis subscription for the topic. Messages that fail to
// decode are forwarded with an empty key and the raw payload so the consumer
// can decide what to do with them.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	pubsub := b.client.Subscribe(ctx, WireTopic(topic))

	// Force the subscription to be established before returning so callers
	// can publish immediately after Subscribe.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	out := make(chan Message, subscriberBuffer)
	in := pubsub.Channel()

	go func() {
		defer close(out)
		defer pubsub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-in:
				if !ok {
					return
				}
				msg := Message{Topic: topic}
				var env envelope
				if err := json.Unmarshal([]byte(m.Payload), &env); err == nil {
					msg.Key = env.Key
					msg.Payload = env.Payload
				} else {
					msg.Payload = []byte(m.Payload)
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Ping checks the Redis connection health.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the Redis client. Idempotent.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}
