package quickbase

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/RaikaSurendra/quickbase-backup/internal/observability"
)

// UploadResult is the outcome of Upload. When the batch request got a
// response, Response is set and Rows is nil. When the batch request failed
// without a response, every row was sent on its own and Rows holds one
// outcome per row, in payload order.
type UploadResult struct {
	Response *UpsertResponse
	Rows     []RowOutcome
}

// RowOutcome is the result of uploading a single row during the fallback.
type RowOutcome struct {
	Index    int
	Row      map[string]FieldValue
	Response *UpsertResponse
	Err      error
}

// Fallback reports whether the per-row fallback ran.
func (r *UploadResult) Fallback() bool { return r.Rows != nil }

// Failed returns the outcomes of the rows that could not be uploaded.
func (r *UploadResult) Failed() []RowOutcome {
	var failed []RowOutcome
	for _, o := range r.Rows {
		if o.Err != nil {
			failed = append(failed, o)
		}
	}
	return failed
}

// BuildUpsertPayload wraps every value of every row in {"value": v}.
func BuildUpsertPayload(tableID string, rows []UpsertRow) UpsertPayload {
	data := make([]map[string]FieldValue, 0, len(rows))
	for _, row := range rows {
		wrapped := make(map[string]FieldValue, len(row))
		for id, v := range row {
			wrapped[id] = FieldValue{Value: v}
		}
		data = append(data, wrapped)
	}
	return UpsertPayload{To: tableID, Data: data}
}

// UpsertData builds a payload from rows and uploads it. An empty tableID
// targets the query's own table.
func (q *RecordsQuery) UpsertData(ctx context.Context, rows []UpsertRow, tableID string) (*UploadResult, error) {
	if err := q.ready(); err != nil {
		return nil, err
	}
	if tableID == "" {
		tableID = q.tableID
	}
	return q.Upload(ctx, BuildUpsertPayload(tableID, rows))
}

// Upload posts payload to the records endpoint.
//
//   - 2xx: the record count and response metadata are logged and returned.
//   - HTTP error: the full body is logged and *UploadRejectedError returned.
//     The payload is not retried.
//   - No response: each row is posted on its own. The result carries one
//     RowOutcome per row; if any row failed the error wraps
//     ErrUploadTransport and joins the row errors.
func (q *RecordsQuery) Upload(ctx context.Context, payload UpsertPayload) (*UploadResult, error) {
	if err := q.ready(); err != nil {
		return nil, err
	}

	resp, err := q.client.Do(ctx, http.MethodPost, recordsPath, nil, payload)
	if err != nil {
		if !errors.Is(err, ErrTransport) {
			return nil, fmt.Errorf("uploading to %s: %w", payload.To, err)
		}
		q.logger.Warn("batch upload got no response, retrying rows individually",
			"to", payload.To,
			"rows", len(payload.Data),
			"error", err,
		)
		return q.uploadRows(ctx, payload)
	}

	if !resp.OK() {
		q.logger.Error("upload rejected",
			"to", payload.To,
			"status", resp.StatusCode,
			"body", string(resp.Body),
		)
		observability.Metrics.UpsertRowsTotal.WithLabelValues(payload.To, "rejected").Add(float64(len(payload.Data)))
		return nil, &UploadRejectedError{TableID: payload.To, StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}

	var out UpsertResponse
	if err := decodeInto(http.MethodPost, recordsPath, resp, q.logger, &out); err != nil {
		return nil, fmt.Errorf("uploading to %s: %w", payload.To, err)
	}

	observability.Metrics.UpsertRowsTotal.WithLabelValues(payload.To, "ok").Add(float64(len(payload.Data)))
	q.logger.Info("upload complete",
		"to", payload.To,
		"records", len(payload.Data),
		"created", len(out.Metadata.CreatedRecordIDs),
		"updated", len(out.Metadata.UpdatedRecordIDs),
		"unchanged", len(out.Metadata.UnchangedRecordIDs),
		"processed", out.Metadata.TotalNumberOfRecordsProcessed,
		"line_errors", len(out.Metadata.LineErrors),
	)
	return &UploadResult{Response: &out}, nil
}

func (q *RecordsQuery) uploadRows(ctx context.Context, payload UpsertPayload) (*UploadResult, error) {
	result := &UploadResult{Rows: make([]RowOutcome, 0, len(payload.Data))}
	var errs []error

	for i, row := range payload.Data {
		outcome := RowOutcome{Index: i, Row: row}
		if err := ctx.Err(); err != nil {
			outcome.Err = err
		} else {
			outcome.Response, outcome.Err = q.uploadRow(ctx, payload, row)
		}

		if outcome.Err != nil {
			q.logger.Warn("row upload failed", "to", payload.To, "row", i, "error", outcome.Err)
			observability.Metrics.UpsertRowsTotal.WithLabelValues(payload.To, "failed").Inc()
			errs = append(errs, fmt.Errorf("row %d: %w", i, outcome.Err))
		} else {
			q.logger.Info("row uploaded", "to", payload.To, "row", i)
			observability.Metrics.UpsertRowsTotal.WithLabelValues(payload.To, "ok").Inc()
		}
		result.Rows = append(result.Rows, outcome)
	}

	if len(errs) > 0 {
		return result, fmt.Errorf("%w: %d of %d rows failed: %w",
			ErrUploadTransport, len(errs), len(payload.Data), errors.Join(errs...))
	}
	return result, nil
}

func (q *RecordsQuery) uploadRow(ctx context.Context, payload UpsertPayload, row map[string]FieldValue) (*UpsertResponse, error) {
	single := UpsertPayload{
		To:             payload.To,
		Data:           []map[string]FieldValue{row},
		FieldsToReturn: payload.FieldsToReturn,
	}
	resp, err := q.client.Do(ctx, http.MethodPost, recordsPath, nil, single)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, &UploadRejectedError{TableID: payload.To, StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}
	var out UpsertResponse
	if err := decodeInto(http.MethodPost, recordsPath, resp, q.logger, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
