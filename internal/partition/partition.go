// Package partition chooses Kafka message keys for exported Quickbase
// records.
//
// # Strategies
//
//   - [DefaultPartitioner]: keys by the record-id label ("Record ID#" unless
//     configured otherwise), so every export of the same record lands on the
//     same partition.
//   - [RoundRobinPartitioner]: nil key; the client spreads messages evenly.
//   - [FieldBasedPartitioner]: SHA-256 of one or more field values, to
//     co-locate related records (for example every task of one project).
//
// Usage:
//
//	p := partition.New(cfg.Kafka)
//	key := p.Key(record)
package partition

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/RaikaSurendra/quickbase-backup/internal/config"
	"github.com/RaikaSurendra/quickbase-backup/internal/quickbase"
)

// DefaultIdentifierField is the label Quickbase gives the record-id field.
const DefaultIdentifierField = "Record ID#"

// Partitioner determines the Kafka message key for a record.
type Partitioner interface {
	// Key returns the message key, or nil for no key.
	Key(record quickbase.Record) []byte
}

// New creates a Partitioner from the Kafka configuration:
//   - "default": the identifier field value.
//   - "round_robin": nil key.
//   - "field_based": hash of partition_key_fields.
func New(cfg config.KafkaConfig) Partitioner {
	switch cfg.Partitioner {
	case "round_robin":
		return &RoundRobinPartitioner{}
	case "field_based":
		return &FieldBasedPartitioner{Fields: cfg.PartitionKeyFields}
	default:
		field := cfg.IdentifierField
		if field == "" {
			field = DefaultIdentifierField
		}
		return &DefaultPartitioner{IdentifierField: field}
	}
}

// DefaultPartitioner uses the identifier field value as the key.
type DefaultPartitioner struct {
	IdentifierField string
}

// Key returns the identifier value formatted with %v, or nil if absent.
func (d *DefaultPartitioner) Key(record quickbase.Record) []byte {
	val, ok := record[d.IdentifierField]
	if !ok || val == nil {
		return nil
	}
	return []byte(formatValue(val))
}

// RoundRobinPartitioner returns a nil key for even distribution.
type RoundRobinPartitioner struct{}

// Key always returns nil.
func (r *RoundRobinPartitioner) Key(_ quickbase.Record) []byte {
	return nil
}

// FieldBasedPartitioner hashes field values into a deterministic key.
//
// Values are taken in sorted field-name order, joined with a null byte, and
// hashed with SHA-256. The hex digest is the key, so records sharing the
// same field values always share a partition regardless of the configured
// field order. Missing fields count as empty strings.
type FieldBasedPartitioner struct {
	Fields []string
}

// Key returns the hex SHA-256 of the joined field values.
func (f *FieldBasedPartitioner) Key(record quickbase.Record) []byte {
	if len(f.Fields) == 0 {
		return nil
	}

	sorted := make([]string, len(f.Fields))
	copy(sorted, f.Fields)
	sort.Strings(sorted)

	parts := make([]string, 0, len(sorted))
	for _, field := range sorted {
		if val, ok := record[field]; ok && val != nil {
			parts = append(parts, formatValue(val))
		} else {
			parts = append(parts, "")
		}
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return []byte(hex.EncodeToString(hash[:]))
}

// formatValue prints whole float64 values without an exponent; JSON decoding
// turns record ids into float64.
func formatValue(v any) string {
	if f, ok := v.(float64); ok && f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%v", v)
}
