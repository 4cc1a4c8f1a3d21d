package editbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisPubSubTransport publishes each document on its own Redis Pub/Sub
// channel. Delivery is at-most-once; nodes that are not subscribed when a
// message is published never see it.
type RedisPubSubTransport struct {
	client *redis.Client
	prefix string
	logger *zap.Logger

	// mutex protects pubsub and routes.
	mutex sync.RWMutex
	// pubsub is shared by every subscribed channel and created on first use.
	pubsub *redis.PubSub
	// routes maps a Redis channel name to its delivery.
	routes map[string]Delivery
	done   chan struct{}
	closed bool
}

// NewRedisPubSubTransport checks the connection and returns a transport using
// channels named prefix+documentID.
func NewRedisPubSubTransport(ctx context.Context, client *redis.Client, prefix string, logger *zap.Logger) (*RedisPubSubTransport, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPubSubTransport{
		client: client,
		prefix: prefix,
		logger: logger.Named("redis"),
		routes: make(map[string]Delivery),
	}, nil
}

func (t *RedisPubSubTransport) channel(documentID string) string {
	return t.prefix + documentID
}

// Name implements Transport.
func (t *RedisPubSubTransport) Name() string { return TypeRedis }

// Subscribe implements Transport.
func (t *RedisPubSubTransport) Subscribe(ctx context.Context, documentID string, deliver Delivery) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.closed {
		return ErrBusClosed
	}

	channel := t.channel(documentID)
	if t.pubsub == nil {
		t.pubsub = t.client.Subscribe(ctx, channel)
		// Wait for the subscription confirmation so no publication is missed.
		if _, err := t.pubsub.Receive(ctx); err != nil {
			_ = t.pubsub.Close()
			t.pubsub = nil
			return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
		}
		t.done = make(chan struct{})
		go t.handleMessages(t.pubsub.Channel(), t.done)
	} else if err := t.pubsub.Subscribe(ctx, channel); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	t.routes[channel] = deliver
	return nil
}

func (t *RedisPubSubTransport) handleMessages(messages <-chan *redis.Message, done chan struct{}) {
	defer close(done)
	for msg := range messages {
		t.mutex.RLock()
		deliver := t.routes[msg.Channel]
		t.mutex.RUnlock()

		if deliver == nil {
			continue
		}
		deliver(context.Background(), []byte(msg.Payload))
	}
}

// Unsubscribe implements Transport.
func (t *RedisPubSubTransport) Unsubscribe(ctx context.Context, documentID string) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	channel := t.channel(documentID)
	delete(t.routes, channel)
	if t.pubsub == nil {
		return nil
	}
	if err := t.pubsub.Unsubscribe(ctx, channel); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", channel, err)
	}
	return nil
}

// Publish implements Transport.
func (t *RedisPubSubTransport) Publish(ctx context.Context, documentID string, payload []byte) error {
	return t.client.Publish(ctx, t.channel(documentID), payload).Err()
}

// Close implements Transport.
func (t *RedisPubSubTransport) Close() error {
	t.mutex.Lock()
	if t.closed {
		t.mutex.Unlock()
		return nil
	}
	t.closed = true
	pubsub, done := t.pubsub, t.done
	t.pubsub = nil
	t.routes = make(map[string]Delivery)
	t.mutex.Unlock()

	var err error
	if pubsub != nil {
		err = pubsub.Close()
		<-done
	}
	if cerr := t.client.Close(); err == nil {
		err = cerr
	}
	return err
}
