package quickbase

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	fieldsPath  = "/v1/fields"
	reportsPath = "/v1/reports"
	recordsPath = "/v1/records"
)

// TableQuery is an unloaded handle on one table. It can only load the field
// mapping; Load turns it into a RecordsQuery.
type TableQuery struct {
	client      *Client
	appID       string
	tableID     string
	top         int
	skipUnknown bool
	logger      *slog.Logger
}

// QueryOption configures a TableQuery and the RecordsQuery it loads.
type QueryOption func(*TableQuery)

// WithPageSize overrides the "top" value sent with list and run requests.
func WithPageSize(top int) QueryOption {
	return func(t *TableQuery) {
		if top > 0 {
			t.top = top
		}
	}
}

// WithSkipUnknownFields drops cells whose field id is not in the mapping
// instead of failing the page.
func WithSkipUnknownFields() QueryOption {
	return func(t *TableQuery) { t.skipUnknown = true }
}

// NewTableQuery creates an unloaded query for tableID in appID.
func NewTableQuery(client *Client, appID, tableID string, opts ...QueryOption) *TableQuery {
	t := &TableQuery{
		client:  client,
		appID:   appID,
		tableID: tableID,
		top:     client.PageSize(),
		logger:  client.logger.With("component", "qb-records", "app_id", appID, "table_id", tableID),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// LoadFieldMapping fetches the table's fields and returns the id to label
// mapping.
func (t *TableQuery) LoadFieldMapping(ctx context.Context) (FieldMapping, error) {
	params := url.Values{}
	params.Set("tableId", t.tableID)
	params.Set("top", strconv.Itoa(t.top))

	resp, err := t.client.Do(ctx, http.MethodGet, fieldsPath, params, nil)
	if err != nil {
		return nil, fmt.Errorf("listing fields of %s: %w", t.tableID, err)
	}
	var fields []Field
	if err := decodeInto(http.MethodGet, fieldsPath, resp, t.logger, &fields); err != nil {
		return nil, fmt.Errorf("listing fields of %s: %w", t.tableID, err)
	}

	t.logger.Debug("field mapping loaded", "fields", len(fields))
	return NewFieldMapping(fields), nil
}

// Load fetches the field mapping and returns a ready RecordsQuery.
func (t *TableQuery) Load(ctx context.Context) (*RecordsQuery, error) {
	mapping, err := t.LoadFieldMapping(ctx)
	if err != nil {
		return nil, err
	}
	return &RecordsQuery{
		client:      t.client,
		appID:       t.appID,
		tableID:     t.tableID,
		top:         t.top,
		skipUnknown: t.skipUnknown,
		fields:      mapping,
		logger:      t.logger,
		dropped:     make(map[string]bool),
	}, nil
}

// RecordsQuery is a table handle whose field mapping has been loaded. The
// only way to obtain a usable RecordsQuery is TableQuery.Load; methods on any
// other value return ErrPreconditionNotMet. The mapping is never refreshed.
//
// A RecordsQuery is not safe for concurrent use.
type RecordsQuery struct {
	client      *Client
	appID       string
	tableID     string
	top         int
	skipUnknown bool
	fields      FieldMapping
	logger      *slog.Logger

	// field ids already reported as dropped
	dropped map[string]bool
}

func (q *RecordsQuery) ready() error {
	if q == nil || q.client == nil || q.fields == nil {
		return ErrPreconditionNotMet
	}
	return nil
}

// AppID returns the application id, or "" for a nil query.
func (q *RecordsQuery) AppID() string {
	if q == nil {
		return ""
	}
	return q.appID
}

// TableID returns the table id, or "" for a nil query.
func (q *RecordsQuery) TableID() string {
	if q == nil {
		return ""
	}
	return q.tableID
}

// Fields returns a copy of the loaded field mapping.
func (q *RecordsQuery) Fields() (FieldMapping, error) {
	if err := q.ready(); err != nil {
		return nil, err
	}
	return maps.Clone(q.fields), nil
}

// Reports lists the table's reports whose name contains keyword. The match
// is case-sensitive; an empty keyword matches every report. Order is kept.
func (q *RecordsQuery) Reports(ctx context.Context, keyword string) ([]Report, error) {
	if err := q.ready(); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("tableId", q.tableID)
	params.Set("top", strconv.Itoa(q.top))

	resp, err := q.client.Do(ctx, http.MethodGet, reportsPath, params, nil)
	if err != nil {
		return nil, fmt.Errorf("listing reports of %s: %w", q.tableID, err)
	}
	var all []Report
	if err := decodeInto(http.MethodGet, reportsPath, resp, q.logger, &all); err != nil {
		return nil, fmt.Errorf("listing reports of %s: %w", q.tableID, err)
	}

	var matched []Report
	for _, r := range all {
		if strings.Contains(r.Name, keyword) {
			matched = append(matched, r)
		}
	}
	return matched, nil
}

// ListReports returns the ids of the reports whose name contains keyword.
func (q *RecordsQuery) ListReports(ctx context.Context, keyword string) ([]string, error) {
	reports, err := q.Reports(ctx, keyword)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(reports))
	for _, r := range reports {
		ids = append(ids, r.ID.String())
	}
	return ids, nil
}

// Pages runs reportID page by page. No request is sent until the sequence
// is iterated. Each page's numRecords advances skip; the first page with
// numRecords == 0 ends the sequence without being yielded. An error is
// yielded once and ends the sequence. extra is merged into the query string
// after tableId and top and before skip.
func (q *RecordsQuery) Pages(ctx context.Context, reportID string, extra url.Values) iter.Seq2[[]Record, error] {
	return func(yield func([]Record, error) bool) {
		if err := q.ready(); err != nil {
			yield(nil, err)
			return
		}

		skip := 0
		for {
			page, err := q.runReport(ctx, reportID, extra, skip)
			if err != nil {
				yield(nil, err)
				return
			}

			n := page.Metadata.NumRecords
			if n == 0 {
				q.logger.Debug("report exhausted", "report_id", reportID, "skip", skip)
				return
			}

			q.logger.Info("processing report page",
				"report_id", reportID,
				"skip", skip,
				"records", n,
				"total_records", page.Metadata.TotalRecords,
			)

			records, err := q.normalize(page.Data)
			if err != nil {
				yield(nil, fmt.Errorf("report %s at skip %d: %w", reportID, skip, err))
				return
			}
			if !yield(records, nil) {
				return
			}
			skip += n
		}
	}
}

// Records is Pages with the page boundaries removed.
func (q *RecordsQuery) Records(ctx context.Context, reportID string, extra url.Values) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		for page, err := range q.Pages(ctx, reportID, extra) {
			if err != nil {
				yield(nil, err)
				return
			}
			for _, rec := range page {
				if !yield(rec, nil) {
					return
				}
			}
		}
	}
}

func (q *RecordsQuery) runReport(ctx context.Context, reportID string, extra url.Values, skip int) (*RawRecordPage, error) {
	params := url.Values{}
	params.Set("tableId", q.tableID)
	params.Set("top", strconv.Itoa(q.top))
	for k, vs := range extra {
		params[k] = append([]string(nil), vs...)
	}
	params.Set("skip", strconv.Itoa(skip))

	path := reportsPath + "/" + url.PathEscape(reportID) + "/run"
	resp, err := q.client.Do(ctx, http.MethodPost, path, params, nil)
	if err != nil {
		return nil, fmt.Errorf("running report %s: %w", reportID, err)
	}
	var page RawRecordPage
	if err := decodeInto(http.MethodPost, path, resp, q.logger, &page); err != nil {
		return nil, fmt.Errorf("running report %s: %w", reportID, err)
	}
	return &page, nil
}

func (q *RecordsQuery) normalize(rows []RawRow) ([]Record, error) {
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		if !q.skipUnknown {
			rec, err := q.fields.Normalize(row)
			if err != nil {
				return nil, fmt.Errorf("table %s: %w", q.tableID, err)
			}
			out = append(out, rec)
			continue
		}

		rec, dropped := q.fields.NormalizeLenient(row)
		for _, id := range dropped {
			if !q.dropped[id] {
				q.dropped[id] = true
				q.logger.Warn("dropping unknown field", "field_id", id)
			}
		}
		out = append(out, rec)
	}
	return out, nil
}
