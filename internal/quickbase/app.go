package quickbase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/RaikaSurendra/quickbase-backup/internal/observability"
)

const (
	tablesPath = "/v1/tables"

	// DefaultReportKeyword selects the reports exported by a backup.
	DefaultReportKeyword = "BACKUP"
)

// ExportTarget identifies one (table, report) export within an application.
type ExportTarget struct {
	AppID       string
	TableID     string
	TableName   string
	ReportID    string
	Destination string
}

// Sink receives the materialized records of one report during a backup.
type Sink interface {
	Write(ctx context.Context, target ExportTarget, records []Record) error
}

// BackupOptions controls RunFullBackup.
type BackupOptions struct {
	// Destination is passed to every sink; empty means the sink's default.
	Destination string
	// Keyword selects reports by substring of their name. Defaults to
	// DefaultReportKeyword.
	Keyword string
	// FailFast stops at the first failed table or report. Otherwise the
	// failure is recorded and the run moves on.
	FailFast bool
	// TableIDs restricts the run to these tables when non-empty.
	TableIDs []string
	// QueryOptions are applied to every table query.
	QueryOptions []QueryOption
	Sinks        []Sink
}

// ReportOutcome is the result of exporting one report. ReportID is empty
// when the table failed before its reports could be listed.
type ReportOutcome struct {
	TableID   string
	TableName string
	ReportID  string
	Records   int
	Err       error
}

// BackupSummary describes a RunFullBackup call.
type BackupSummary struct {
	AppID      string
	Tables     int
	Outcomes   []ReportOutcome
	StartedAt  time.Time
	FinishedAt time.Time
}

// Records returns the number of records exported successfully.
func (s *BackupSummary) Records() int {
	n := 0
	for _, o := range s.Outcomes {
		if o.Err == nil {
			n += o.Records
		}
	}
	return n
}

// Failed returns the outcomes that carry an error.
func (s *BackupSummary) Failed() []ReportOutcome {
	var failed []ReportOutcome
	for _, o := range s.Outcomes {
		if o.Err != nil {
			failed = append(failed, o)
		}
	}
	return failed
}

// AppQuery enumerates the tables of an application and orchestrates backups.
type AppQuery struct {
	client *Client
	appID  string
	logger *slog.Logger
}

// NewAppQuery creates a query for appID.
func NewAppQuery(client *Client, appID string) *AppQuery {
	return &AppQuery{
		client: client,
		appID:  appID,
		logger: client.logger.With("component", "qb-app", "app_id", appID),
	}
}

// AppID returns the application id.
func (q *AppQuery) AppID() string { return q.appID }

// CollateParams returns {appId} merged with extra. Keys in extra win.
func (q *AppQuery) CollateParams(extra url.Values) url.Values {
	params := url.Values{}
	params.Set("appId", q.appID)
	for k, vs := range extra {
		params[k] = append([]string(nil), vs...)
	}
	return params
}

// ListTables returns the application's tables as reported by the service.
func (q *AppQuery) ListTables(ctx context.Context, extra url.Values) ([]Table, error) {
	resp, err := q.client.Do(ctx, http.MethodGet, tablesPath, q.CollateParams(extra), nil)
	if err != nil {
		return nil, fmt.Errorf("listing tables of %s: %w", q.appID, err)
	}
	var tables []Table
	if err := decodeInto(http.MethodGet, tablesPath, resp, q.logger, &tables); err != nil {
		return nil, fmt.Errorf("listing tables of %s: %w", q.appID, err)
	}
	return tables, nil
}

// RunFullBackup exports every report matching opts.Keyword of every table to
// every sink. Reports are fetched sequentially and each report's records are
// materialized before being handed to the sinks.
//
// A failing table or report is recorded in the summary and the run goes on,
// unless opts.FailFast is set. The returned error joins every recorded
// failure. Context cancellation stops the run immediately.
func (q *AppQuery) RunFullBackup(ctx context.Context, opts BackupOptions) (*BackupSummary, error) {
	if len(opts.Sinks) == 0 {
		return nil, errors.New("quickbase: backup requires at least one sink")
	}
	if opts.Keyword == "" {
		opts.Keyword = DefaultReportKeyword
	}

	summary := &BackupSummary{AppID: q.appID, StartedAt: time.Now()}

	tables, err := q.ListTables(ctx, nil)
	if err != nil {
		summary.FinishedAt = time.Now()
		return summary, err
	}

	q.logger.Info("backup started", "tables", len(tables), "keyword", opts.Keyword)

	var errs []error
	for _, table := range tables {
		if len(opts.TableIDs) > 0 && !slices.Contains(opts.TableIDs, table.ID) {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		summary.Tables++
		if err := q.backupTable(ctx, table, opts, summary); err != nil {
			errs = append(errs, err)
			if opts.FailFast || ctx.Err() != nil {
				break
			}
		}
	}

	summary.FinishedAt = time.Now()
	failed := len(summary.Failed())
	q.logger.Info("backup finished",
		"tables", summary.Tables,
		"reports", len(summary.Outcomes),
		"failed", failed,
		"records", summary.Records(),
		"duration", summary.FinishedAt.Sub(summary.StartedAt),
	)
	if len(errs) == 0 {
		observability.Metrics.BackupLastSuccess.SetToCurrentTime()
	}
	return summary, errors.Join(errs...)
}

func (q *AppQuery) backupTable(ctx context.Context, table Table, opts BackupOptions, summary *BackupSummary) error {
	logger := q.logger.With("table_id", table.ID, "table_name", table.Name)

	fail := func(err error) error {
		err = fmt.Errorf("table %s (%s): %w", table.Name, table.ID, err)
		summary.Outcomes = append(summary.Outcomes, ReportOutcome{TableID: table.ID, TableName: table.Name, Err: err})
		observability.Metrics.BackupReportsTotal.WithLabelValues("failed").Inc()
		logger.Error("table backup failed", "error", err)
		return err
	}

	rq, err := NewTableQuery(q.client, q.appID, table.ID, opts.QueryOptions...).Load(ctx)
	if err != nil {
		return fail(err)
	}
	reportIDs, err := rq.ListReports(ctx, opts.Keyword)
	if err != nil {
		return fail(err)
	}
	if len(reportIDs) == 0 {
		logger.Info("no reports match keyword", "keyword", opts.Keyword)
		return nil
	}

	var errs []error
	for _, reportID := range reportIDs {
		target := ExportTarget{
			AppID:       q.appID,
			TableID:     table.ID,
			TableName:   table.Name,
			ReportID:    reportID,
			Destination: opts.Destination,
		}
		n, err := exportReport(ctx, rq, target, opts.Sinks)

		outcome := ReportOutcome{TableID: table.ID, TableName: table.Name, ReportID: reportID, Records: n}
		if err != nil {
			outcome.Err = fmt.Errorf("table %s (%s) report %s: %w", table.Name, table.ID, reportID, err)
			errs = append(errs, outcome.Err)
			observability.Metrics.BackupReportsTotal.WithLabelValues("failed").Inc()
			logger.Error("report backup failed", "report_id", reportID, "error", err)
		} else {
			observability.Metrics.BackupReportsTotal.WithLabelValues("ok").Inc()
			observability.Metrics.BackupRecordsTotal.WithLabelValues(table.ID).Add(float64(n))
		}
		summary.Outcomes = append(summary.Outcomes, outcome)

		if err != nil && (opts.FailFast || ctx.Err() != nil) {
			break
		}
	}
	return errors.Join(errs...)
}

func exportReport(ctx context.Context, rq *RecordsQuery, target ExportTarget, sinks []Sink) (int, error) {
	records, err := Collect(rq.Records(ctx, target.ReportID, nil))
	if err != nil {
		return 0, err
	}

	var errs []error
	for _, s := range sinks {
		if err := s.Write(ctx, target, records); err != nil {
			errs = append(errs, err)
		}
	}
	return len(records), errors.Join(errs...)
}
