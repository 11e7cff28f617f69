// Package export writes backed-up Quickbase records to dated JSON files.
//
// # Layout
//
// Without an explicit destination, files go to exports/<YYYY-MM-DD>/ under
// the writer's base directory. Each (table, report) pair produces one file:
//
//	<appId>_<tableId>_<tableName>_report_<reportId>.json
//
// containing a 4-space indented JSON array of label-keyed records. Non-ASCII
// text is written literally. Every directory also holds a manifest.json
// listing the files written there, their record counts, and export times.
//
// # Filesystem
//
// The Writer works on an afero.Fs so the same code writes to disk in
// production (afero.NewOsFs) and to memory in tests (afero.NewMemMapFs).
// Files are written atomically via temp file and rename.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/RaikaSurendra/quickbase-backup/internal/quickbase"
)

// DefaultBaseDir is the parent of the dated export directories.
const DefaultBaseDir = "exports"

// Writer serializes record sets to JSON files. It implements quickbase.Sink.
type Writer struct {
	fs      afero.Fs
	baseDir string
	now     func() time.Time
	logger  *slog.Logger

	mu        sync.Mutex
	manifests map[string]*Manifest
}

// Option configures a Writer.
type Option func(*Writer)

// WithClock overrides the time source used for dated directories and
// manifest timestamps.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) { w.now = now }
}

// WithBaseDir overrides DefaultBaseDir.
func WithBaseDir(dir string) Option {
	return func(w *Writer) {
		if dir != "" {
			w.baseDir = dir
		}
	}
}

// NewWriter creates a Writer on fs.
func NewWriter(fs afero.Fs, logger *slog.Logger, opts ...Option) *Writer {
	w := &Writer{
		fs:        fs,
		baseDir:   DefaultBaseDir,
		now:       time.Now,
		logger:    logger.With("component", "export"),
		manifests: make(map[string]*Manifest),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ResolveDir returns dest, or <baseDir>/<today> when dest is empty.
func (w *Writer) ResolveDir(dest string) string {
	if dest != "" {
		return dest
	}
	return filepath.Join(w.baseDir, w.now().Format("2006-01-02"))
}

// FileName returns the export file name for target. Path separators in the
// table name are replaced so the file stays inside its directory.
func FileName(target quickbase.ExportTarget) string {
	name := strings.NewReplacer("/", "_", `\`, "_").Replace(target.TableName)
	return fmt.Sprintf("%s_%s_%s_report_%s.json", target.AppID, target.TableID, name, target.ReportID)
}

// Write implements quickbase.Sink.
func (w *Writer) Write(ctx context.Context, target quickbase.ExportTarget, records []quickbase.Record) error {
	_, err := w.WriteFile(ctx, target, records)
	return err
}

// Export materializes seq and writes it. Nothing is written if the sequence
// yields an error.
func (w *Writer) Export(ctx context.Context, target quickbase.ExportTarget, seq iter.Seq2[quickbase.Record, error]) (string, error) {
	records, err := quickbase.Collect(seq)
	if err != nil {
		return "", fmt.Errorf("collecting records for report %s: %w", target.ReportID, err)
	}
	return w.WriteFile(ctx, target, records)
}

// WriteFile writes records to the target's file and returns its path.
func (w *Writer) WriteFile(ctx context.Context, target quickbase.ExportTarget, records []quickbase.Record) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dir := w.ResolveDir(target.Destination)
	if err := w.fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating export directory %s: %w", dir, err)
	}

	data, err := encode(records)
	if err != nil {
		return "", fmt.Errorf("encoding report %s: %w", target.ReportID, err)
	}

	name := FileName(target)
	path := filepath.Join(dir, name)
	if err := writeAtomic(w.fs, path, data); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}

	if err := w.recordManifest(dir, Entry{
		AppID:      target.AppID,
		TableID:    target.TableID,
		TableName:  target.TableName,
		ReportID:   target.ReportID,
		File:       name,
		Records:    len(records),
		ExportedAt: w.now().UTC(),
	}); err != nil {
		return path, err
	}

	w.logger.Info("records exported",
		"path", path,
		"records", len(records),
		"table_id", target.TableID,
		"report_id", target.ReportID,
	)
	return path, nil
}

// Manifest returns the manifest of an export directory.
func (w *Writer) Manifest(dir string) (*Manifest, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if m, ok := w.manifests[dir]; ok {
		return m, nil
	}
	m, err := OpenManifest(w.fs, filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, err
	}
	w.manifests[dir] = m
	return m, nil
}

func (w *Writer) recordManifest(dir string, e Entry) error {
	m, err := w.Manifest(dir)
	if err != nil {
		return err
	}
	m.Record(e)
	return m.Flush()
}

// encode renders records as an indented JSON array without HTML escaping.
func encode(records []quickbase.Record) ([]byte, error) {
	if records == nil {
		records = []quickbase.Record{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(records); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
