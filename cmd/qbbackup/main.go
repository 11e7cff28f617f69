// qbbackup
//
// Backs up Quickbase applications to JSON files and uploads records into
// Quickbase tables.
//
//	Backup:  Quickbase reports  →  exports/<date>/*.json  (+ optional Kafka topic)
//	Upsert:  JSON file          →  Quickbase table
//
// # Usage
//
//	qbbackup [flags]
//
//	Flags:
//	  -config string    Path to config YAML file (default "config.yaml")
//	  -version          Print version information and exit
//	  -app string       Application id to back up (overrides Q_APP_ID)
//	  -dest string      Export directory (default exports/<YYYY-MM-DD>)
//	  -keyword string   Report name keyword (default "BACKUP")
//	  -interval dur     Run as a daemon, backing up on this interval
//	  -upsert file      Upload the JSON array in file instead of backing up
//	  -table string     Table id for -upsert, or a table to restrict the backup to
//
// Credentials come from the config file or the Q_USER_TOKEN and Q_REALM
// environment variables.
//
// # Modes
//
//  1. Upsert (-upsert): one upload, per-row fallback on transport failure.
//  2. One-shot backup (default): every report whose name contains the keyword,
//     of every table, exported once. Exits non-zero if any export failed.
//  3. Daemon (-interval or backup.interval): the observability server
//     (/healthz, /readyz, /metrics) and the backup loop run under an errgroup.
//     The config file is watched and a change restarts both.
//
// # Signal Handling
//
//	SIGINT/SIGTERM → Cancel context → Current export stops → Exit
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"

	"github.com/RaikaSurendra/quickbase-backup/internal/config"
)

// Build-time variables injected via ldflags.
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration YAML file")
	showVersion := flag.Bool("version", false, "Print version information and exit")

	var ov overrides
	flag.StringVar(&ov.AppID, "app", "", "Application id to back up (overrides "+config.EnvAppID+")")
	flag.StringVar(&ov.Destination, "dest", "", "Export directory (default exports/<YYYY-MM-DD>)")
	flag.StringVar(&ov.Keyword, "keyword", "", "Only export reports whose name contains this keyword")
	flag.DurationVar(&ov.Interval, "interval", 0, "Back up repeatedly on this interval (0 runs once)")
	flag.StringVar(&ov.TableID, "table", "", "Table id for -upsert, or the only table to back up")
	upsertFile := flag.String("upsert", "", "Upload the JSON array of rows in this file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("qbbackup %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := newLogger("info")
	slog.SetDefault(logger)

	cfg, err := loadConfig(*configPath, ov)
	if err != nil {
		logger.Error("failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	logger = newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting qbbackup",
		"version", version,
		"commit", commit,
		"build_date", buildDate,
	)

	switch {
	case *upsertFile != "":
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := runUpsert(ctx, cfg, *upsertFile, ov.TableID, logger); err != nil {
			logger.Error("upsert failed", "file", *upsertFile, "error", err)
			stop()
			os.Exit(1)
		}
	case cfg.Backup.Interval.Duration > 0:
		runDaemon(*configPath, ov, logger)
	default:
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := runOnce(ctx, cfg, logger); err != nil {
			logger.Error("backup failed", "error", err)
			stop()
			os.Exit(1)
		}
	}
}

// newLogger returns a JSON logger at the named level.
func newLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
}

// runDaemon runs backups on an interval until SIGINT/SIGTERM, restarting
// with a fresh configuration whenever the config file changes.
func runDaemon(configPath string, ov overrides, logger *slog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	reloadCh := make(chan struct{}, 1)
	if _, err := os.Stat(configPath); err == nil {
		go watchConfig(ctx, configPath, reloadCh, logger)
	}

	for {
		runCtx, runCancel := context.WithCancel(ctx)

		errCh := make(chan error, 1)
		go func() {
			errCh <- run(runCtx, configPath, ov, logger)
		}()

		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			runCancel()
			cancel()
			<-errCh
			logger.Info("qbbackup shutdown complete")
			return
		case <-reloadCh:
			logger.Info("reloading configuration")
			runCancel()
			if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("previous run exited with error on reload", "error", err)
			}
			logger.Info("restarting with new configuration")
		case err := <-errCh:
			runCancel()
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("qbbackup exited with error", "error", err)
				os.Exit(1)
			}
			logger.Info("qbbackup shutdown complete")
			return
		}
	}
}

// watchConfig uses fsnotify to watch the config file for changes.
func watchConfig(ctx context.Context, path string, reloadCh chan<- struct{}, logger *slog.Logger) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Error("failed to create config watcher", "error", err)
		return
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(path); err != nil {
		logger.Error("failed to watch config file", "path", path, "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			// Some editors replace the file instead of writing it.
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				logger.Info("config file changed", "event", event.Name)
				select {
				case reloadCh <- struct{}{}:
				default:
					// already queued
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Error("config watcher error", "error", err)
		}
	}
}
