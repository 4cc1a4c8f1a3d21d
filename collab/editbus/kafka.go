package editbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaConfig configures a KafkaTransport.
type KafkaConfig struct {
	Brokers []string
	// Topic carries every document, keyed by document id.
	Topic string
	// GroupID must be unique per node so that every node reads every message.
	GroupID string
	// Readers is the initial size of the reader pool.
	Readers int
}

// KafkaTransport carries all documents over one Kafka topic. Messages are
// keyed by document id, so each document stays on one partition and keeps
// its order.
type KafkaTransport struct {
	config KafkaConfig
	writer *kafka.Writer
	logger *zap.Logger
	routes *routeTable
	pool   *consumerPool
}

// NewKafkaTransport creates the writer and starts the reader pool.
func NewKafkaTransport(config KafkaConfig, logger *zap.Logger) (*KafkaTransport, error) {
	if len(config.Brokers) == 0 || config.Topic == "" || config.GroupID == "" {
		return nil, fmt.Errorf("kafka transport needs brokers, a topic and a group id")
	}
	if config.Readers <= 0 {
		config.Readers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &KafkaTransport{
		config: config,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(config.Brokers...),
			Topic:                  config.Topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		},
		logger: logger.Named("kafka").With(zap.String("topic", config.Topic), zap.String("group", config.GroupID)),
		routes: newRouteTable(),
	}
	t.pool = newConsumerPool(t.consume)
	t.pool.Resize(config.Readers)
	return t, nil
}

// Name implements Transport.
func (t *KafkaTransport) Name() string { return TypeKafka }

// Resize changes the number of readers in the node's group.
func (t *KafkaTransport) Resize(readers int) {
	t.pool.Resize(readers)
}

func (t *KafkaTransport) consume(ctx context.Context, index int) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     t.config.Brokers,
		GroupID:     t.config.GroupID,
		Topic:       t.config.Topic,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     time.Second,
		StartOffset: kafka.LastOffset,
	})
	defer reader.Close()

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			t.logger.Warn("Failed to read message", zap.Int("reader", index), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if deliver := t.routes.lookup(string(msg.Key)); deliver != nil {
			deliver(ctx, msg.Value)
		}
	}
}

// Subscribe implements Transport.
func (t *KafkaTransport) Subscribe(_ context.Context, documentID string, deliver Delivery) error {
	t.routes.set(documentID, deliver)
	return nil
}

// Unsubscribe implements Transport.
func (t *KafkaTransport) Unsubscribe(_ context.Context, documentID string) error {
	t.routes.remove(documentID)
	return nil
}

// Publish implements Transport.
func (t *KafkaTransport) Publish(ctx context.Context, documentID string, payload []byte) error {
	err := t.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(documentID),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}
	return nil
}

// Close implements Transport.
func (t *KafkaTransport) Close() error {
	t.pool.Stop()
	return t.writer.Close()
}
