package kafka

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hamba/avro/v2"

	"github.com/RaikaSurendra/quickbase-backup/internal/quickbase"
)

// SchemaNamespace is the Avro namespace of generated record schemas.
const SchemaNamespace = "com.quickbase.backup"

// RecordSchema is an Avro schema generated for a set of Quickbase field
// labels, together with the label each Avro field was derived from.
type RecordSchema struct {
	Schema avro.Schema
	// FullName is the namespace-qualified record name.
	FullName string
	// Labels maps the Avro field name to the Quickbase label.
	Labels map[string]string
}

// GenerateAvroSchema creates an Avro record schema named after the table with
// one optional string field per label.
//
// Quickbase labels ("Record ID#", "Date Modified") are not valid Avro names,
// so each is rewritten with AvroName; collisions get a numeric suffix.
func GenerateAvroSchema(tableName string, labels []string) (*RecordSchema, error) {
	if len(labels) == 0 {
		return nil, fmt.Errorf("cannot generate schema with no fields")
	}

	sorted := make([]string, len(labels))
	copy(sorted, labels)
	sort.Strings(sorted)

	names := make(map[string]string, len(sorted))
	avroFields := make([]*avro.Field, 0, len(sorted))
	for _, label := range sorted {
		name := AvroName(label)
		for i := 2; taken(names, name); i++ {
			name = fmt.Sprintf("%s_%d", AvroName(label), i)
		}
		names[name] = label

		// ["null", "string"] keeps every field optional.
		schema, err := avro.NewUnionSchema([]avro.Schema{
			&avro.NullSchema{},
			avro.NewPrimitiveSchema(avro.String, nil),
		})
		if err != nil {
			return nil, fmt.Errorf("creating union for %s: %w", label, err)
		}

		field, err := avro.NewField(name, schema, avro.WithDefault(nil))
		if err != nil {
			return nil, fmt.Errorf("creating field %s: %w", label, err)
		}
		avroFields = append(avroFields, field)
	}

	recordSchema, err := avro.NewRecordSchema(AvroName(tableName), SchemaNamespace, avroFields)
	if err != nil {
		return nil, fmt.Errorf("creating record schema: %w", err)
	}

	return &RecordSchema{Schema: recordSchema, FullName: recordSchema.FullName(), Labels: names}, nil
}

// Subject returns the registry subject for this schema on topic, following
// the TopicRecordNameStrategy: <topic>-<namespace>.<name>. Every table has
// its own subject.
func (s *RecordSchema) Subject(topic string) string {
	return topic + "-" + s.FullName
}

// Datum converts a label-keyed record into the map the schema encodes.
// Values are rendered as strings; null and absent fields stay null.
func (s *RecordSchema) Datum(record quickbase.Record) map[string]any {
	datum := make(map[string]any, len(s.Labels))
	for name, label := range s.Labels {
		val, ok := record[label]
		if !ok || val == nil {
			datum[name] = nil
			continue
		}
		datum[name] = stringify(val)
	}
	return datum
}

// AvroName rewrites s into a valid Avro name: letters, digits, and
// underscores, not starting with a digit.
func AvroName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if b.Len() == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

func taken(names map[string]string, name string) bool {
	_, ok := names[name]
	return ok
}

// recordLabels returns every label present in records.
func recordLabels(records []quickbase.Record) []string {
	seen := make(map[string]struct{})
	var labels []string
	for _, rec := range records {
		for label := range rec {
			if _, ok := seen[label]; ok {
				continue
			}
			seen[label] = struct{}{}
			labels = append(labels, label)
		}
	}
	sort.Strings(labels)
	return labels
}
