package editbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisStreamsConfig는 RedisStreamsTransport 설정입니다.
type RedisStreamsConfig struct {
	// Stream은 모든 문서의 오퍼레이션이 흐르는 단일 스트림 키입니다.
	Stream string
	// Group은 이 노드의 소비자 그룹입니다. 모든 노드가 모든 메시지를 읽도록
	// 노드마다 달라야 합니다.
	Group string
	// MaxLen은 스트림의 최대 길이입니다. 근사치로 잘라냅니다.
	MaxLen int64
	// Consumers는 소비자 풀의 초기 크기입니다.
	Consumers int
	// Block은 한 번의 읽기가 새 메시지를 기다리는 시간입니다.
	Block time.Duration
}

// RedisStreamsTransport는 모든 문서를 하나의 Redis 스트림으로 전달하고
// 수신 시 문서 ID로 분배합니다.
type RedisStreamsTransport struct {
	client *redis.Client
	config RedisStreamsConfig
	logger *zap.Logger
	routes *routeTable
	pool   *consumerPool
}

// NewRedisStreamsTransport는 노드의 소비자 그룹을 생성하고 소비자 풀을 시작합니다.
func NewRedisStreamsTransport(ctx context.Context, client *redis.Client, config RedisStreamsConfig, logger *zap.Logger) (*RedisStreamsTransport, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if config.Stream == "" || config.Group == "" {
		return nil, fmt.Errorf("redis streams transport needs a stream and a group")
	}
	if config.Consumers <= 0 {
		config.Consumers = 1
	}
	if config.Block <= 0 {
		config.Block = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &RedisStreamsTransport{
		client: client,
		config: config,
		logger: logger.Named("redis-streams").With(zap.String("stream", config.Stream), zap.String("group", config.Group)),
		routes: newRouteTable(),
	}

	// "$"부터 읽습니다. 노드는 참여한 이후에 발행된 메시지만 필요합니다.
	// 이미 존재하는 그룹은 무시합니다.
	err := client.XGroupCreateMkStream(ctx, config.Stream, config.Group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	t.pool = newConsumerPool(t.consume)
	t.pool.Resize(config.Consumers)
	return t, nil
}

// Name implements Transport.
func (t *RedisStreamsTransport) Name() string { return TypeRedisStreams }

// Resize는 스트림을 읽는 소비자 수를 변경합니다.
func (t *RedisStreamsTransport) Resize(consumers int) {
	t.pool.Resize(consumers)
}

func (t *RedisStreamsTransport) consume(ctx context.Context, index int) {
	consumer := fmt.Sprintf("%s-%d", t.config.Group, index)
	for {
		if ctx.Err() != nil {
			return
		}

		streams, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    t.config.Group,
			Consumer: consumer,
			Streams:  []string{t.config.Stream, ">"},
			Count:    16,
			Block:    t.config.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn("Failed to read from stream", zap.String("consumer", consumer), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				t.handleMessage(ctx, message)
			}
		}
	}
}

func (t *RedisStreamsTransport) handleMessage(ctx context.Context, message redis.XMessage) {
	defer func() {
		if err := t.client.XAck(ctx, t.config.Stream, t.config.Group, message.ID).Err(); err != nil && ctx.Err() == nil {
			t.logger.Warn("Failed to ack message", zap.String("id", message.ID), zap.Error(err))
		}
	}()

	documentID, _ := message.Values["document"].(string)
	payload, ok := message.Values["payload"].(string)
	if documentID == "" || !ok {
		t.logger.Warn("Skipping malformed stream message", zap.String("id", message.ID))
		return
	}

	if deliver := t.routes.lookup(documentID); deliver != nil {
		deliver(ctx, []byte(payload))
	}
}

// Subscribe implements Transport.
func (t *RedisStreamsTransport) Subscribe(_ context.Context, documentID string, deliver Delivery) error {
	t.routes.set(documentID, deliver)
	return nil
}

// Unsubscribe implements Transport.
func (t *RedisStreamsTransport) Unsubscribe(_ context.Context, documentID string) error {
	t.routes.remove(documentID)
	return nil
}

// Publish implements Transport.
func (t *RedisStreamsTransport) Publish(ctx context.Context, documentID string, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: t.config.Stream,
		ID:     "*",
		Values: map[string]interface{}{
			"document": documentID,
			"payload":  string(payload),
		},
	}
	if t.config.MaxLen > 0 {
		args.MaxLen = t.config.MaxLen
		args.Approx = true
	}
	if err := t.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to add message to stream: %w", err)
	}
	return nil
}

// Close는 소비자를 중지하고 노드의 소비자 그룹을 삭제합니다.
func (t *RedisStreamsTransport) Close() error {
	t.pool.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.client.XGroupDestroy(ctx, t.config.Stream, t.config.Group).Err(); err != nil {
		t.logger.Warn("Failed to destroy consumer group", zap.Error(err))
	}
	return t.client.Close()
}
