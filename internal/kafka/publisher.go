package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/RaikaSurendra/quickbase-backup/internal/config"
	"github.com/RaikaSurendra/quickbase-backup/internal/observability"
	"github.com/RaikaSurendra/quickbase-backup/internal/partition"
	"github.com/RaikaSurendra/quickbase-backup/internal/quickbase"
)

// Message headers set on every published record.
const (
	HeaderApp    = "qb_app"
	HeaderTable  = "qb_table"
	HeaderReport = "qb_report"
)

// BatchProducer produces a batch of messages and waits for acknowledgement.
// *Producer satisfies it.
type BatchProducer interface {
	ProduceBatchSync(ctx context.Context, topic string, messages []Message) error
}

// Publisher implements quickbase.Sink by producing one message per record.
type Publisher struct {
	producer    BatchProducer
	topic       string
	format      string
	partitioner partition.Partitioner
	serializer  *AvroSerializer
	logger      *slog.Logger
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithSchemaRegistry sets the registry used for Avro schema ids, replacing
// the HTTP client built from schema_registry_url.
func WithSchemaRegistry(registry SchemaRegistryClient) PublisherOption {
	return func(p *Publisher) { p.serializer = NewAvroSerializer(registry) }
}

// NewPublisher creates a Publisher for the configured topic and format.
func NewPublisher(producer BatchProducer, cfg config.KafkaConfig, logger *slog.Logger, opts ...PublisherOption) (*Publisher, error) {
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}

	p := &Publisher{
		producer:    producer,
		topic:       cfg.Topic,
		format:      cfg.Format,
		partitioner: partition.New(cfg),
		logger:      logger.With("component", "kafka-publisher", "topic", cfg.Topic),
	}
	if p.format == "" {
		p.format = "json"
	}
	for _, opt := range opts {
		opt(p)
	}

	switch p.format {
	case "json":
	case "avro":
		if p.serializer == nil {
			if cfg.SchemaRegistryURL == "" {
				return nil, fmt.Errorf("avro format requires a schema registry")
			}
			p.serializer = NewAvroSerializer(NewHTTPRegistryClient(cfg.SchemaRegistryURL))
		}
	default:
		return nil, fmt.Errorf("unsupported kafka format %q", p.format)
	}
	return p, nil
}

// Write implements quickbase.Sink.
func (p *Publisher) Write(ctx context.Context, target quickbase.ExportTarget, records []quickbase.Record) error {
	if len(records) == 0 {
		return nil
	}

	messages, err := p.Messages(ctx, target, records)
	if err != nil {
		return err
	}

	if err := p.producer.ProduceBatchSync(ctx, p.topic, messages); err != nil {
		return fmt.Errorf("publishing report %s of table %s: %w", target.ReportID, target.TableID, err)
	}

	observability.Metrics.KafkaPublishedTotal.WithLabelValues(p.topic).Add(float64(len(messages)))
	p.logger.Info("records published",
		"table_id", target.TableID,
		"report_id", target.ReportID,
		"count", len(messages),
	)
	return nil
}

// Messages builds the Kafka messages for records without producing them.
func (p *Publisher) Messages(ctx context.Context, target quickbase.ExportTarget, records []quickbase.Record) ([]Message, error) {
	var schema *RecordSchema
	if p.format == "avro" {
		name := target.TableName
		if name == "" {
			name = target.TableID
		}
		var err error
		schema, err = GenerateAvroSchema(name, recordLabels(records))
		if err != nil {
			return nil, fmt.Errorf("generating schema for table %s: %w", target.TableID, err)
		}
	}

	headers := map[string]string{
		HeaderApp:    target.AppID,
		HeaderTable:  target.TableID,
		HeaderReport: target.ReportID,
	}

	messages := make([]Message, 0, len(records))
	for i, rec := range records {
		value, err := p.encode(ctx, schema, rec)
		if err != nil {
			return nil, fmt.Errorf("encoding record %d of report %s: %w", i, target.ReportID, err)
		}
		messages = append(messages, Message{
			Key:     p.partitioner.Key(rec),
			Value:   value,
			Headers: headers,
		})
	}
	return messages, nil
}

func (p *Publisher) encode(ctx context.Context, schema *RecordSchema, rec quickbase.Record) ([]byte, error) {
	if schema == nil {
		return json.Marshal(rec)
	}
	return p.serializer.Serialize(ctx, schema.Subject(p.topic), schema.Schema, schema.Datum(rec))
}

// stringify renders a decoded JSON value for an Avro string field.
func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}
