package kafka

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/hamba/avro/v2"
)

// SchemaRegistryClient is a client for a Confluent-compatible Schema Registry.
type SchemaRegistryClient interface {
	// GetSchemaID returns the ID for the given subject's schema.
	GetSchemaID(ctx context.Context, subject string, schema avro.Schema) (int, error)
}

// AvroSerializer encodes records to Avro with a Confluent magic byte prefix.
// Schema ids are cached per subject and schema fingerprint.
type AvroSerializer struct {
	registry SchemaRegistryClient

	mu  sync.Mutex
	ids map[string]int
}

func NewAvroSerializer(registry SchemaRegistryClient) *AvroSerializer {
	return &AvroSerializer{
		registry: registry,
		ids:      make(map[string]int),
	}
}

// Serialize converts record to Avro bytes in the Confluent wire format:
// [Magic Byte (0)] [Schema ID (4 bytes)] [Avro Data]
func (s *AvroSerializer) Serialize(ctx context.Context, subject string, schema avro.Schema, record any) ([]byte, error) {
	schemaID, err := s.schemaID(ctx, subject, schema)
	if err != nil {
		return nil, err
	}

	data, err := avro.Marshal(schema, record)
	if err != nil {
		return nil, fmt.Errorf("marshaling avro: %w", err)
	}

	result := make([]byte, 5+len(data))
	result[0] = 0
	binary.BigEndian.PutUint32(result[1:5], uint32(schemaID))
	copy(result[5:], data)

	return result, nil
}

func (s *AvroSerializer) schemaID(ctx context.Context, subject string, schema avro.Schema) (int, error) {
	fp := schema.Fingerprint()
	key := fmt.Sprintf("%s/%x", subject, fp)

	s.mu.Lock()
	id, ok := s.ids[key]
	s.mu.Unlock()
	if ok {
		return id, nil
	}

	id, err := s.registry.GetSchemaID(ctx, subject, schema)
	if err != nil {
		return 0, fmt.Errorf("getting schema ID for subject %s: %w", subject, err)
	}

	s.mu.Lock()
	s.ids[key] = id
	s.mu.Unlock()
	return id, nil
}
