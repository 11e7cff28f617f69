// Package kafka publishes backed-up Quickbase records to Kafka using the
// franz-go client.
//
// # Architecture
//
// A backup run can fan records out to Kafka in addition to the JSON files:
//
//   - [Producer] wraps a franz-go client and produces synchronously, so a
//     report is only counted as published once the broker acknowledges it.
//   - [Publisher] implements the backup sink. Every exported record becomes
//     one message on the configured topic, keyed by the partition strategy
//     and tagged with the app, table, and report it came from.
//
// Values are JSON by default. With format "avro" the record is encoded with
// a schema generated from its field labels and framed in the Confluent wire
// format, the schema id coming from a Confluent-compatible registry.
//
// # Thread Safety
//
// Producer and Publisher are safe for concurrent use. The underlying franz-go
// client handles connection pooling and request serialization internally.
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/RaikaSurendra/quickbase-backup/internal/config"
)

// Producer wraps a franz-go client for producing messages to Kafka.
//
// The producer is configured with acks=all so messages are replicated before
// being acknowledged.
type Producer struct {
	client *kgo.Client
	logger *slog.Logger
}

// NewProducer creates a Kafka producer from the configuration.
// The producer is ready to use immediately after construction.
func NewProducer(cfg config.KafkaConfig, logger *slog.Logger) (*Producer, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RecordRetries(5),
		kgo.RetryTimeout(30 * time.Second),
		kgo.ProducerBatchMaxBytes(1 << 20), // 1 MiB
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating Kafka producer client: %w", err)
	}

	return &Producer{
		client: client,
		logger: logger.With("component", "kafka-producer"),
	}, nil
}

// ProduceBatchSync sends messages to topic and waits until the broker has
// acknowledged all of them. The first failure is returned.
func (p *Producer) ProduceBatchSync(ctx context.Context, topic string, messages []Message) error {
	if len(messages) == 0 {
		return nil
	}

	records := make([]*kgo.Record, len(messages))
	for i, msg := range messages {
		records[i] = msg.record(topic)
	}

	results := p.client.ProduceSync(ctx, records...)
	if err := results.FirstErr(); err != nil {
		return fmt.Errorf("batch produce to %s: %w", topic, err)
	}

	p.logger.Debug("batch produced",
		"topic", topic,
		"count", len(messages),
	)
	return nil
}

// Ping checks that at least one seed broker is reachable.
func (p *Producer) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("pinging Kafka brokers: %w", err)
	}
	return nil
}

// Close flushes any pending messages and closes the Kafka connection.
func (p *Producer) Close() {
	p.client.Close()
}

// Message represents a single message to be produced to Kafka.
type Message struct {
	Key     []byte
	Value   []byte
	Headers map[string]string
}

func (m Message) record(topic string) *kgo.Record {
	rec := &kgo.Record{
		Topic: topic,
		Key:   m.Key,
		Value: m.Value,
	}
	for k, v := range m.Headers {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{
			Key:   k,
			Value: []byte(v),
		})
	}
	return rec
}
