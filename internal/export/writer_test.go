package export

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/RaikaSurendra/quickbase-backup/internal/quickbase"
)

func testExportLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

var fixedNow = time.Date(2024, 3, 9, 17, 30, 0, 0, time.UTC)

func testWriter(fs afero.Fs) *Writer {
	return NewWriter(fs, testExportLogger(), WithClock(func() time.Time { return fixedNow }))
}

func testTarget() quickbase.ExportTarget {
	return quickbase.ExportTarget{
		AppID:     "bqapp",
		TableID:   "bqt1",
		TableName: "Projects",
		ReportID:  "5",
	}
}

func TestResolveDir(t *testing.T) {
	w := testWriter(afero.NewMemMapFs())
	if got := w.ResolveDir(""); got != filepath.Join("exports", "2024-03-09") {
		t.Errorf("ResolveDir(\"\") = %q", got)
	}
	if got := w.ResolveDir("/backups"); got != "/backups" {
		t.Errorf("ResolveDir(/backups) = %q", got)
	}

	w = NewWriter(afero.NewMemMapFs(), testExportLogger(), WithBaseDir("/var/qb"), WithClock(func() time.Time { return fixedNow }))
	if got := w.ResolveDir(""); got != filepath.Join("/var/qb", "2024-03-09") {
		t.Errorf("ResolveDir with base dir = %q", got)
	}
}

func TestFileName(t *testing.T) {
	if got := FileName(testTarget()); got != "bqapp_bqt1_Projects_report_5.json" {
		t.Errorf("FileName = %q", got)
	}

	target := testTarget()
	target.TableName = "In/Out"
	if got := FileName(target); got != "bqapp_bqt1_In_Out_report_5.json" {
		t.Errorf("FileName = %q", got)
	}
}

func TestWriteFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	w := testWriter(fs)

	records := []quickbase.Record{
		{"Record ID#": 1, "Name": "Zürich <HQ>"},
		{"Record ID#": 2, "Name": "東京"},
		{"Record ID#": 3, "Name": "plain"},
	}
	path, err := w.WriteFile(context.Background(), testTarget(), records)
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	wantPath := filepath.Join("exports", "2024-03-09", "bqapp_bqt1_Projects_report_5.json")
	if path != wantPath {
		t.Errorf("path = %q, want %q", path, wantPath)
	}

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		t.Fatalf("reading export: %v", err)
	}
	content := string(data)
	for _, want := range []string{"Zürich <HQ>", "東京", "\n    {\n        \"Name\""} {
		if !strings.Contains(content, want) {
			t.Errorf("export should contain %q:\n%s", want, content)
		}
	}
	if strings.Contains(content, `\u`) {
		t.Errorf("export should not escape characters:\n%s", content)
	}

	var decoded []map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("export is not a JSON array: %v", err)
	}
	if len(decoded) != len(records) {
		t.Errorf("records = %d, want %d", len(decoded), len(records))
	}
}

func TestWriteFile_EmptyIsArray(t *testing.T) {
	fs := afero.NewMemMapFs()
	path, err := testWriter(fs).WriteFile(context.Background(), testTarget(), nil)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := afero.ReadFile(fs, path)
	if strings.TrimSpace(string(data)) != "[]" {
		t.Errorf("content = %q, want []", data)
	}
}

func TestWriteFile_ExistingDirectoryAndOverwrite(t *testing.T) {
	fs := afero.NewMemMapFs()
	w := testWriter(fs)
	target := testTarget()
	target.Destination = "/backups/nightly"
	if err := fs.MkdirAll(target.Destination, 0o755); err != nil {
		t.Fatal(err)
	}

	if _, err := w.WriteFile(context.Background(), target, []quickbase.Record{{"a": 1}, {"a": 2}}); err != nil {
		t.Fatal(err)
	}
	path, err := w.WriteFile(context.Background(), target, []quickbase.Record{{"a": 3}})
	if err != nil {
		t.Fatal(err)
	}

	data, _ := afero.ReadFile(fs, path)
	var decoded []map[string]any
	_ = json.Unmarshal(data, &decoded)
	if len(decoded) != 1 {
		t.Errorf("records = %d, want 1 after overwrite", len(decoded))
	}

	entries, _ := afero.ReadDir(fs, target.Destination)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestWriteFile_Manifest(t *testing.T) {
	fs := afero.NewMemMapFs()
	w := testWriter(fs)

	t1 := testTarget()
	t2 := testTarget()
	t2.ReportID = "6"
	if _, err := w.WriteFile(context.Background(), t1, []quickbase.Record{{"a": 1}}); err != nil {
		t.Fatal(err)
	}
	if _, err := w.WriteFile(context.Background(), t2, []quickbase.Record{{"a": 1}, {"a": 2}}); err != nil {
		t.Fatal(err)
	}

	dir := w.ResolveDir("")
	m, err := OpenManifest(fs, filepath.Join(dir, ManifestFile))
	if err != nil {
		t.Fatalf("OpenManifest: %v", err)
	}
	entries := m.Snapshot()
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].File != "bqapp_bqt1_Projects_report_5.json" || entries[0].Records != 1 {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[1].ReportID != "6" || entries[1].Records != 2 {
		t.Errorf("entry 1 = %+v", entries[1])
	}
	if !entries[1].ExportedAt.Equal(fixedNow) {
		t.Errorf("exported_at = %v", entries[1].ExportedAt)
	}
}

func TestExport_MaterializesSequence(t *testing.T) {
	fs := afero.NewMemMapFs()
	w := testWriter(fs)

	seq := func(yield func(quickbase.Record, error) bool) {
		for i := 0; i < 4; i++ {
			if !yield(quickbase.Record{"n": i}, nil) {
				return
			}
		}
	}
	path, err := w.Export(context.Background(), testTarget(), seq)
	if err != nil {
		t.Fatal(err)
	}
	m, _ := w.Manifest(filepath.Dir(path))
	if e, ok := m.Get(filepath.Base(path)); !ok || e.Records != 4 {
		t.Errorf("manifest entry = %+v", e)
	}
}

func TestExport_SequenceErrorWritesNothing(t *testing.T) {
	fs := afero.NewMemMapFs()
	w := testWriter(fs)
	boom := errors.New("page failed")

	var seq iter.Seq2[quickbase.Record, error] = func(yield func(quickbase.Record, error) bool) {
		if !yield(quickbase.Record{"n": 1}, nil) {
			return
		}
		yield(nil, boom)
	}
	if _, err := w.Export(context.Background(), testTarget(), seq); !errors.Is(err, boom) {
		t.Fatalf("error = %v, want %v", err, boom)
	}
	if exists, _ := afero.DirExists(fs, w.ResolveDir("")); exists {
		t.Error("no directory should be created when collection fails")
	}
}

func TestWriteFile_OsFs(t *testing.T) {
	dir := t.TempDir()
	w := testWriter(afero.NewOsFs())
	target := testTarget()
	target.Destination = filepath.Join(dir, "nested", "out")

	path, err := w.WriteFile(context.Background(), target, []quickbase.Record{{"Name": "Ångström"}})
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "Ångström") {
		t.Errorf("content = %s", data)
	}
	if _, err := os.Stat(filepath.Join(target.Destination, ManifestFile)); err != nil {
		t.Errorf("manifest missing: %v", err)
	}
}

func TestWriteFile_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := testWriter(afero.NewMemMapFs()).WriteFile(ctx, testTarget(), nil); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}
