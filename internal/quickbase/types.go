package quickbase

import (
	"bytes"
	"encoding/json"
	"fmt"
	"iter"
)

// Record is a normalized Quickbase record: field labels mapped to values.
type Record map[string]interface{}

// ID is a Quickbase identifier. Table ids arrive as JSON strings while field
// and report ids may arrive as numbers; ID accepts either form.
type ID string

// UnmarshalJSON implements json.Unmarshaler for ID.
func (id *ID) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	switch t := v.(type) {
	case nil:
		*id = ""
	case string:
		*id = ID(t)
	case json.Number:
		*id = ID(t.String())
	default:
		return fmt.Errorf("id must be a string or number, got %s", b)
	}
	return nil
}

func (id ID) String() string { return string(id) }

// Table is a table within a Quickbase application.
type Table struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Alias       string `json:"alias,omitempty"`
	Description string `json:"description,omitempty"`
}

// Field describes one column of a table.
type Field struct {
	ID        ID     `json:"id"`
	Label     string `json:"label"`
	FieldType string `json:"fieldType,omitempty"`
}

// Report is a saved, server-side query definition on a table.
type Report struct {
	ID   ID     `json:"id"`
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// FieldValue is the {"value": ...} wrapper used for every cell on the wire.
type FieldValue struct {
	Value any `json:"value"`
}

// RawRow is one row as returned by the service, keyed by field id.
type RawRow map[string]FieldValue

// PageMetadata is the pagination block of a report-run response.
type PageMetadata struct {
	NumRecords   int `json:"numRecords"`
	TotalRecords int `json:"totalRecords"`
	Skip         int `json:"skip"`
	Top          int `json:"top"`
	NumFields    int `json:"numFields"`
}

// RawRecordPage is a single report-run response.
type RawRecordPage struct {
	Data     []RawRow     `json:"data"`
	Fields   []Field      `json:"fields"`
	Metadata PageMetadata `json:"metadata"`
}

// UpsertRow maps field ids to raw values. Include the record-id field to
// update an existing record instead of inserting a new one.
type UpsertRow map[string]any

// UpsertPayload is the request body of the records endpoint.
type UpsertPayload struct {
	To             string                  `json:"to"`
	Data           []map[string]FieldValue `json:"data"`
	FieldsToReturn []int                   `json:"fieldsToReturn,omitempty"`
}

// UpsertMetadata summarizes what the service did with an upsert.
type UpsertMetadata struct {
	CreatedRecordIDs              []int               `json:"createdRecordIds"`
	UpdatedRecordIDs              []int               `json:"updatedRecordIds"`
	UnchangedRecordIDs            []int               `json:"unchangedRecordIds"`
	TotalNumberOfRecordsProcessed int                 `json:"totalNumberOfRecordsProcessed"`
	LineErrors                    map[string][]string `json:"lineErrors,omitempty"`
}

// UpsertResponse is the response body of a successful upsert.
type UpsertResponse struct {
	Data     []RawRow       `json:"data"`
	Metadata UpsertMetadata `json:"metadata"`
}

// Collect drains a lazy sequence into a slice, stopping at the first error.
func Collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var out []T
	for v, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}
