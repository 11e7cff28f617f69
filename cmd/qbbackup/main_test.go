package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/RaikaSurendra/quickbase-backup/internal/config"
	"github.com/RaikaSurendra/quickbase-backup/internal/quickbase"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func clearEnv(t *testing.T) {
	t.Helper()
	t.Setenv(config.EnvUserToken, "")
	t.Setenv(config.EnvRealm, "")
	t.Setenv(config.EnvAppID, "")
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig_Overrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
quickbase:
  realm: example.quickbase.com
  user_token: b123_abc
  app_id: fileapp
backup:
  report_keyword: NIGHTLY
`)

	cfg, err := loadConfig(path, overrides{
		AppID:       "flagapp",
		Destination: "/backups",
		Interval:    time.Hour,
		TableID:     "bqt1",
	})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Quickbase.AppID != "flagapp" {
		t.Errorf("AppID = %q, want flagapp", cfg.Quickbase.AppID)
	}
	if cfg.Backup.Destination != "/backups" {
		t.Errorf("Destination = %q", cfg.Backup.Destination)
	}
	if cfg.Backup.ReportKeyword != "NIGHTLY" {
		t.Errorf("ReportKeyword = %q, want value from file", cfg.Backup.ReportKeyword)
	}
	if cfg.Backup.Interval.Duration != time.Hour {
		t.Errorf("Interval = %v", cfg.Backup.Interval)
	}
	if len(cfg.Backup.TableIDs) != 1 || cfg.Backup.TableIDs[0] != "bqt1" {
		t.Errorf("TableIDs = %v", cfg.Backup.TableIDs)
	}
}

func TestLoadConfig_NoOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "quickbase:\n  app_id: fileapp\n")

	cfg, err := loadConfig(path, overrides{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Quickbase.AppID != "fileapp" || cfg.Backup.ReportKeyword != "BACKUP" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestNewLogger_Levels(t *testing.T) {
	ctx := context.Background()
	if !newLogger("debug").Enabled(ctx, slog.LevelDebug) {
		t.Error("debug logger should enable debug")
	}
	if newLogger("warn").Enabled(ctx, slog.LevelInfo) {
		t.Error("warn logger should not enable info")
	}
	if !newLogger("bogus").Enabled(ctx, slog.LevelInfo) {
		t.Error("unknown level should default to info")
	}
}

func TestReadUpsertRows(t *testing.T) {
	fs := afero.NewMemMapFs()
	_ = afero.WriteFile(fs, "/rows.json", []byte(`[{"5": "fish", "11": 100}, {"3": 1420}]`), 0o644)

	rows, err := readUpsertRows(fs, "/rows.json")
	if err != nil {
		t.Fatalf("readUpsertRows: %v", err)
	}
	if len(rows) != 2 || rows[0]["5"] != "fish" || rows[1]["3"] != json.Number("1420") {
		t.Errorf("rows = %v", rows)
	}
}

func TestReadUpsertRows_LargeIntegersKeepPrecision(t *testing.T) {
	fs := afero.NewMemMapFs()
	_ = afero.WriteFile(fs, "/rows.json", []byte(`[{"3": 9007199254740993, "7": 1.5}]`), 0o644)

	rows, err := readUpsertRows(fs, "/rows.json")
	if err != nil {
		t.Fatalf("readUpsertRows: %v", err)
	}
	if rows[0]["3"] != json.Number("9007199254740993") {
		t.Errorf("record id = %#v, want 9007199254740993", rows[0]["3"])
	}

	payload, err := json.Marshal(quickbase.BuildUpsertPayload("bqt1", rows))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(payload), `"3":{"value":9007199254740993}`) {
		t.Errorf("payload = %s", payload)
	}
}

func TestReadUpsertRows_Errors(t *testing.T) {
	fs := afero.NewMemMapFs()
	_ = afero.WriteFile(fs, "/empty.json", []byte(`[]`), 0o644)
	_ = afero.WriteFile(fs, "/bad.json", []byte(`{"5": "fish"}`), 0o644)

	for _, path := range []string{"/missing.json", "/empty.json", "/bad.json"} {
		if _, err := readUpsertRows(fs, path); err == nil {
			t.Errorf("readUpsertRows(%s) should fail", path)
		}
	}
}

func TestRunUpsert_RequiresTable(t *testing.T) {
	cfg := &config.Config{Quickbase: config.QuickbaseConfig{AppID: "bqapp"}}
	if err := runUpsert(context.Background(), cfg, "/rows.json", "", testLogger()); err == nil {
		t.Error("expected error without -table")
	}
}

func TestNewBackupJob_Validation(t *testing.T) {
	cfg := &config.Config{}
	if _, err := newBackupJob(cfg, afero.NewMemMapFs(), testLogger()); err == nil {
		t.Error("expected error without app id")
	}

	cfg.Quickbase.AppID = "bqapp"
	if _, err := newBackupJob(cfg, afero.NewMemMapFs(), testLogger()); !errors.Is(err, quickbase.ErrCredentialsMissing) {
		t.Errorf("error = %v, want ErrCredentialsMissing", err)
	}
}

func TestBackupJob_EmptyApp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/v1/tables" || r.URL.Query().Get("appId") != "bqapp" {
			t.Errorf("unexpected request %s", r.URL)
		}
		if r.Header.Get("QB-Realm-Hostname") != "example.quickbase.com" {
			t.Errorf("realm header = %q", r.Header.Get("QB-Realm-Hostname"))
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	cfg := &config.Config{Quickbase: config.QuickbaseConfig{
		BaseURL:   srv.URL,
		Realm:     "example.quickbase.com",
		UserToken: "b123_abc",
		AppID:     "bqapp",
	}}
	job, err := newBackupJob(cfg, afero.NewMemMapFs(), testLogger())
	if err != nil {
		t.Fatalf("newBackupJob: %v", err)
	}
	defer job.close()

	if len(job.opts.Sinks) != 1 {
		t.Errorf("sinks = %d, want 1 without kafka", len(job.opts.Sinks))
	}
	if err := job.backup(context.Background(), testLogger()); err != nil {
		t.Fatalf("backup: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("requests = %d, want 1", calls.Load())
	}
}

func TestScheduleBackups(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- scheduleBackups(ctx, 10*time.Millisecond, testLogger(), func(context.Context) error {
			if runs.Add(1) >= 3 {
				cancel()
			}
			return errors.New("export failed")
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("scheduleBackups did not stop")
	}
	if n := runs.Load(); n != 3 {
		t.Errorf("runs = %d, want 3", n)
	}
}

func TestScheduleBackups_NonPositiveIntervalRunsOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- scheduleBackups(ctx, 0, testLogger(), func(context.Context) error {
			runs.Add(1)
			return nil
		})
	}()

	time.Sleep(50 * time.Millisecond)
	if n := runs.Load(); n != 1 {
		t.Errorf("runs = %d, want 1", n)
	}
	select {
	case err := <-done:
		t.Fatalf("scheduleBackups returned early: %v", err)
	default:
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("scheduleBackups did not stop")
	}
}

func TestBackupJob_ReadyReportsBrokerFailure(t *testing.T) {
	boom := errors.New("no brokers")
	job := &backupJob{ping: func(context.Context) error { return boom }}
	if err := job.ready(context.Background()); !errors.Is(err, boom) {
		t.Errorf("ready error = %v, want %v", err, boom)
	}

	job.ping = func(context.Context) error { return nil }
	if err := job.ready(context.Background()); err != nil {
		t.Errorf("ready error = %v", err)
	}
}

func TestNewBackupJob_WithoutKafkaIsReady(t *testing.T) {
	cfg := &config.Config{Quickbase: config.QuickbaseConfig{
		BaseURL:   "http://127.0.0.1:1",
		Realm:     "example.quickbase.com",
		UserToken: "b123_abc",
		AppID:     "bqapp",
	}}
	job, err := newBackupJob(cfg, afero.NewMemMapFs(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer job.close()
	if err := job.ready(context.Background()); err != nil {
		t.Errorf("ready error = %v", err)
	}
}
