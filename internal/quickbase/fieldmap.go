package quickbase

import "fmt"

// FieldMapping maps field ids to field labels for a single table.
type FieldMapping map[string]string

// NewFieldMapping builds a mapping from a fields listing.
func NewFieldMapping(fields []Field) FieldMapping {
	m := make(FieldMapping, len(fields))
	for _, f := range fields {
		m[f.ID.String()] = f.Label
	}
	return m
}

// Normalize replaces every field id of row with its label and unwraps the
// value. A field id missing from the mapping yields *UnknownFieldError.
func (m FieldMapping) Normalize(row RawRow) (Record, error) {
	rec := make(Record, len(row))
	for id, cell := range row {
		label, ok := m[id]
		if !ok {
			return nil, &UnknownFieldError{FieldID: id}
		}
		rec[label] = cell.Value
	}
	return rec, nil
}

// NormalizeLenient is Normalize without the unknown-field failure: cells
// whose id is not mapped are dropped and their ids returned.
func (m FieldMapping) NormalizeLenient(row RawRow) (Record, []string) {
	rec := make(Record, len(row))
	var dropped []string
	for id, cell := range row {
		label, ok := m[id]
		if !ok {
			dropped = append(dropped, id)
			continue
		}
		rec[label] = cell.Value
	}
	return rec, dropped
}

// Invert returns the label to field id mapping.
func (m FieldMapping) Invert() map[string]string {
	inv := make(map[string]string, len(m))
	for id, label := range m {
		inv[label] = id
	}
	return inv
}

// Denormalize converts a label-keyed record back into an id-keyed upsert row.
func (m FieldMapping) Denormalize(rec Record) (UpsertRow, error) {
	inv := m.Invert()
	row := make(UpsertRow, len(rec))
	for label, v := range rec {
		id, ok := inv[label]
		if !ok {
			return nil, fmt.Errorf("no field labeled %q", label)
		}
		row[id] = v
	}
	return row, nil
}
