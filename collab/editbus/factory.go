package editbus

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Bus types accepted by New.
const (
	TypeNoop         = "noop"
	TypeMemory       = "memory"
	TypeRedis        = "redis"
	TypeRedisStreams = "redis-streams"
	TypeKafka        = "kafka"
	TypeGossip       = "gossip"
)

// RedisOptions configures the redis and redis-streams buses.
type RedisOptions struct {
	Addr          string
	Password      string
	DB            int
	ChannelPrefix string
	Stream        string
	GroupPrefix   string
	MaxLen        int64
}

// KafkaOptions configures the kafka bus.
type KafkaOptions struct {
	Brokers     []string
	Topic       string
	GroupPrefix string
}

// Options selects and configures a bus.
type Options struct {
	Type            string
	NodeID          string
	ConsumerThreads int
	RollupTimeout   time.Duration

	Redis  RedisOptions
	Kafka  KafkaOptions
	Gossip GossipConfig

	// Hub is shared by every memory bus of a process. A private hub is
	// created when nil.
	Hub *MemoryHub

	Executor   RollupExecutor
	Clock      clock.Clock
	Registerer prometheus.Registerer
	Logger     *zap.Logger
}

// New creates the bus named by opts.Type. An unknown type returns
// ErrUnsupportedBusType.
func New(ctx context.Context, opts Options) (*SessionBus, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	transport, err := newTransport(ctx, &opts)
	if err != nil {
		return nil, err
	}

	return NewSessionBus(transport, SessionConfig{
		NodeID:        opts.NodeID,
		RollupTimeout: opts.RollupTimeout,
		Executor:      opts.Executor,
		Clock:         opts.Clock,
		Registerer:    opts.Registerer,
		Logger:        opts.Logger,
	}), nil
}

func newTransport(ctx context.Context, opts *Options) (Transport, error) {
	if opts.NodeID == "" && (opts.Type == TypeRedisStreams || opts.Type == TypeKafka) {
		return nil, fmt.Errorf("%s bus needs a node id", opts.Type)
	}

	switch opts.Type {
	case TypeNoop, "":
		return NoopTransport{}, nil

	case TypeMemory:
		hub := opts.Hub
		if hub == nil {
			hub = NewMemoryHub()
		}
		return hub.Transport(), nil

	case TypeRedis:
		client := newRedisClient(opts.Redis)
		t, err := NewRedisPubSubTransport(ctx, client, opts.Redis.ChannelPrefix, opts.Logger)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return t, nil

	case TypeRedisStreams:
		client := newRedisClient(opts.Redis)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		t, err := NewRedisStreamsTransport(ctx, client, RedisStreamsConfig{
			Stream:    opts.Redis.Stream,
			Group:     opts.Redis.GroupPrefix + "-" + opts.NodeID,
			MaxLen:    opts.Redis.MaxLen,
			Consumers: opts.ConsumerThreads,
		}, opts.Logger)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return t, nil

	case TypeKafka:
		return NewKafkaTransport(KafkaConfig{
			Brokers: opts.Kafka.Brokers,
			Topic:   opts.Kafka.Topic,
			GroupID: opts.Kafka.GroupPrefix + "-" + opts.NodeID,
			Readers: opts.ConsumerThreads,
		}, opts.Logger)

	case TypeGossip:
		return NewGossipTransport(ctx, opts.Gossip, opts.Logger)

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBusType, opts.Type)
	}
}

func newRedisClient(opts RedisOptions) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
}
