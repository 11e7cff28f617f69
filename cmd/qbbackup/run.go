package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/RaikaSurendra/quickbase-backup/internal/config"
	"github.com/RaikaSurendra/quickbase-backup/internal/export"
	"github.com/RaikaSurendra/quickbase-backup/internal/kafka"
	"github.com/RaikaSurendra/quickbase-backup/internal/observability"
	"github.com/RaikaSurendra/quickbase-backup/internal/quickbase"
)

// overrides are command-line values that take precedence over the config.
type overrides struct {
	AppID       string
	Destination string
	Keyword     string
	Interval    time.Duration
	TableID     string
}

func (o overrides) apply(cfg *config.Config) {
	if o.AppID != "" {
		cfg.Quickbase.AppID = o.AppID
	}
	if o.Destination != "" {
		cfg.Backup.Destination = o.Destination
	}
	if o.Keyword != "" {
		cfg.Backup.ReportKeyword = o.Keyword
	}
	if o.Interval > 0 {
		cfg.Backup.Interval = config.Duration{Duration: o.Interval}
	}
	if o.TableID != "" {
		cfg.Backup.TableIDs = []string{o.TableID}
	}
}

// loadConfig loads the config file and applies command-line overrides.
func loadConfig(path string, ov overrides) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	ov.apply(cfg)
	return cfg, nil
}

func newClient(cfg *config.Config, logger *slog.Logger) (*quickbase.Client, error) {
	var opts []quickbase.ClientOption
	if cfg.Quickbase.RateLimitRPS > 0 {
		opts = append(opts, quickbase.WithRateLimiter(cfg.Quickbase.RateLimitRPS))
	}
	opts = append(opts, quickbase.WithUserAgent("qbbackup/"+version))

	client, err := quickbase.NewClient(cfg.Quickbase, logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating Quickbase client (set %s and %s): %w", config.EnvRealm, config.EnvUserToken, err)
	}
	return client, nil
}

// backupJob is one configured backup: the app query and its sinks.
type backupJob struct {
	app   *quickbase.AppQuery
	opts  quickbase.BackupOptions
	ping  func(context.Context) error
	close func()
}

// newBackupJob wires the client, the export writer on fs, and the Kafka
// publisher when enabled.
func newBackupJob(cfg *config.Config, fs afero.Fs, logger *slog.Logger) (*backupJob, error) {
	if cfg.Quickbase.AppID == "" {
		return nil, fmt.Errorf("application id is required (set -app or %s)", config.EnvAppID)
	}

	client, err := newClient(cfg, logger)
	if err != nil {
		return nil, err
	}

	var queryOpts []quickbase.QueryOption
	if cfg.Backup.SkipUnknownFields {
		queryOpts = append(queryOpts, quickbase.WithSkipUnknownFields())
	}

	job := &backupJob{
		app: quickbase.NewAppQuery(client, cfg.Quickbase.AppID),
		opts: quickbase.BackupOptions{
			Destination:  cfg.Backup.Destination,
			Keyword:      cfg.Backup.ReportKeyword,
			FailFast:     cfg.Backup.FailFast,
			TableIDs:     cfg.Backup.TableIDs,
			QueryOptions: queryOpts,
			Sinks:        []quickbase.Sink{export.NewWriter(fs, logger)},
		},
		ping:  func(context.Context) error { return nil },
		close: func() {},
	}

	if cfg.Kafka.Enabled {
		producer, err := kafka.NewProducer(cfg.Kafka, logger)
		if err != nil {
			return nil, fmt.Errorf("creating Kafka producer: %w", err)
		}
		publisher, err := kafka.NewPublisher(producer, cfg.Kafka, logger)
		if err != nil {
			producer.Close()
			return nil, fmt.Errorf("creating Kafka publisher: %w", err)
		}
		job.opts.Sinks = append(job.opts.Sinks, publisher)
		job.ping = producer.Ping
		job.close = producer.Close
	}

	return job, nil
}

// ready checks the job's external dependencies before the daemon reports
// ready. Only the Kafka brokers are checked; Quickbase is reached per run.
func (j *backupJob) ready(ctx context.Context) error {
	if err := j.ping(ctx); err != nil {
		return fmt.Errorf("checking Kafka brokers: %w", err)
	}
	return nil
}

// backup runs one full backup and logs the failed exports.
func (j *backupJob) backup(ctx context.Context, logger *slog.Logger) error {
	summary, err := j.app.RunFullBackup(ctx, j.opts)
	if summary != nil {
		for _, o := range summary.Failed() {
			logger.Error("export failed",
				"table_id", o.TableID,
				"table_name", o.TableName,
				"report_id", o.ReportID,
				"error", o.Err,
			)
		}
		logger.Info("backup summary",
			"app_id", summary.AppID,
			"tables", summary.Tables,
			"reports", len(summary.Outcomes),
			"failed", len(summary.Failed()),
			"records", summary.Records(),
		)
	}
	return err
}

// runOnce performs a single backup to the local filesystem.
func runOnce(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	job, err := newBackupJob(cfg, afero.NewOsFs(), logger)
	if err != nil {
		return err
	}
	defer job.close()
	return job.backup(ctx, logger)
}

// run is the daemon body, separated from main() so a config reload can
// restart it. The observability server and the backup loop share an
// errgroup; a failed backup is logged and retried on the next tick.
func run(ctx context.Context, configPath string, ov overrides, logger *slog.Logger) error {
	cfg, err := loadConfig(configPath, ov)
	if err != nil {
		return fmt.Errorf("loading configuration from %s: %w", configPath, err)
	}

	obsSrv := observability.NewServer(cfg.Observability.Addr, logger)
	defer obsSrv.SetReady(false)

	job, err := newBackupJob(cfg, afero.NewOsFs(), logger)
	if err != nil {
		return err
	}
	defer job.close()

	if err := job.ready(ctx); err != nil {
		return err
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return obsSrv.Start(gCtx)
	})

	g.Go(func() error {
		return scheduleBackups(gCtx, cfg.Backup.Interval.Duration, logger, func(ctx context.Context) error {
			return job.backup(ctx, logger)
		})
	})

	obsSrv.SetReady(true)
	logger.Info("qbbackup daemon is ready",
		"app_id", cfg.Quickbase.AppID,
		"interval", cfg.Backup.Interval.Duration,
		"kafka_enabled", cfg.Kafka.Enabled,
		"observability_addr", cfg.Observability.Addr,
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// scheduleBackups calls backup immediately and then on every tick until ctx
// is done. Backup errors are logged, not returned. A non-positive interval,
// which a config reload can produce, runs backup once and then waits for ctx.
func scheduleBackups(ctx context.Context, interval time.Duration, logger *slog.Logger, backup func(context.Context) error) error {
	if interval <= 0 {
		if err := backup(ctx); err != nil && ctx.Err() == nil {
			logger.Error("backup failed", "error", err)
		}
		logger.Warn("backup interval is not positive, no further runs scheduled", "interval", interval)
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := backup(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("scheduled backup failed", "error", err, "next_in", interval)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// runUpsert uploads the rows in path to tableID.
func runUpsert(ctx context.Context, cfg *config.Config, path, tableID string, logger *slog.Logger) error {
	if tableID == "" {
		return errors.New("-table is required with -upsert")
	}
	if cfg.Quickbase.AppID == "" {
		return fmt.Errorf("application id is required (set -app or %s)", config.EnvAppID)
	}

	rows, err := readUpsertRows(afero.NewOsFs(), path)
	if err != nil {
		return err
	}

	client, err := newClient(cfg, logger)
	if err != nil {
		return err
	}

	rq, err := quickbase.NewTableQuery(client, cfg.Quickbase.AppID, tableID).Load(ctx)
	if err != nil {
		return err
	}

	result, err := rq.UpsertData(ctx, rows, "")
	if result != nil {
		for _, o := range result.Failed() {
			logger.Error("row upload failed", "index", o.Index, "error", o.Err)
		}
	}
	return err
}

// readUpsertRows reads a JSON array of field-id keyed rows. Numbers are kept
// as json.Number so record ids above 2^53 survive the round trip.
func readUpsertRows(fs afero.Fs, path string) ([]quickbase.UpsertRow, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var rows []quickbase.UpsertRow
	if err := dec.Decode(&rows); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s contains no rows", path)
	}
	return rows, nil
}
