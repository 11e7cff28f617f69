package quickbase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/RaikaSurendra/quickbase-backup/internal/config"
)

func testQBLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testCfg(baseURL string) config.QuickbaseConfig {
	return config.QuickbaseConfig{
		BaseURL:        baseURL,
		Realm:          "example.quickbase.com",
		UserToken:      "b12345_token",
		AppID:          "bqapp",
		TimeoutSeconds: 5,
	}
}

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := NewClient(testCfg(srv.URL), testQBLogger())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// fakeQB is an in-memory stand-in for the Quickbase API. Report pages are
// keyed by "tableId/reportId" and served in order, one per run call; once
// exhausted, an empty page is returned.
type fakeQB struct {
	t *testing.T

	mu       sync.Mutex
	tables   []Table
	fields   map[string][]Field
	reports  map[string][]Report
	pages    map[string][]RawRecordPage
	failRuns map[string]int
	runSkips map[string][]string
	requests []string
}

func newFakeQB(t *testing.T) *fakeQB {
	return &fakeQB{
		t:        t,
		fields:   make(map[string][]Field),
		reports:  make(map[string][]Report),
		pages:    make(map[string][]RawRecordPage),
		failRuns: make(map[string]int),
		runSkips: make(map[string][]string),
	}
}

func (f *fakeQB) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeQB) skips(tableID, reportID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.runSkips[tableID+"/"+reportID]...)
}

func (f *fakeQB) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
	if got := r.Header.Get("QB-Realm-Hostname"); got != "example.quickbase.com" {
		f.t.Errorf("QB-Realm-Hostname = %q", got)
	}
	if got := r.Header.Get("Authorization"); got != "QB-USER-TOKEN b12345_token" {
		f.t.Errorf("Authorization = %q", got)
	}

	q := r.URL.Query()
	tableID := q.Get("tableId")
	path := r.URL.Path

	switch {
	case r.Method == http.MethodGet && path == "/v1/tables":
		writeJSON(w, f.tables)

	case r.Method == http.MethodGet && path == "/v1/fields":
		fields, ok := f.fields[tableID]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			writeJSON(w, map[string]string{"message": "Not Found", "description": "no such table"})
			return
		}
		writeJSON(w, fields)

	case r.Method == http.MethodGet && path == "/v1/reports":
		writeJSON(w, f.reports[tableID])

	case r.Method == http.MethodPost && strings.HasPrefix(path, "/v1/reports/") && strings.HasSuffix(path, "/run"):
		reportID := strings.TrimSuffix(strings.TrimPrefix(path, "/v1/reports/"), "/run")
		key := tableID + "/" + reportID
		if status, ok := f.failRuns[key]; ok {
			w.WriteHeader(status)
			writeJSON(w, map[string]string{"message": "report failed"})
			return
		}
		f.runSkips[key] = append(f.runSkips[key], q.Get("skip"))
		idx := len(f.runSkips[key]) - 1
		if idx >= len(f.pages[key]) {
			writeJSON(w, RawRecordPage{Data: []RawRow{}})
			return
		}
		writeJSON(w, f.pages[key][idx])

	default:
		f.t.Errorf("unexpected request %s %s", r.Method, path)
		w.WriteHeader(http.StatusNotFound)
	}
}

// page builds a report page whose rows carry field 3 (record id) and 6
// (name) starting at id first.
func page(first, n, total int) RawRecordPage {
	rows := make([]RawRow, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, RawRow{
			"3": {Value: float64(first + i)},
			"6": {Value: fmt.Sprintf("row-%d", first+i)},
		})
	}
	return RawRecordPage{
		Data:     rows,
		Metadata: PageMetadata{NumRecords: n, TotalRecords: total},
	}
}

var testFields = []Field{
	{ID: "3", Label: "Record ID#"},
	{ID: "6", Label: "Name"},
}

// captureHandler records log records so tests can count warnings.
type captureHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return nil
}

func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *captureHandler) WithGroup(string) slog.Handler      { return h }

func (h *captureHandler) count(level slog.Level) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, r := range h.records {
		if r.Level == level {
			n++
		}
	}
	return n
}

// memSink collects exported records per target.
type memSink struct {
	mu      sync.Mutex
	written map[string][]Record
	fail    map[string]error
}

func newMemSink() *memSink {
	return &memSink{written: make(map[string][]Record), fail: make(map[string]error)}
}

func (s *memSink) Write(_ context.Context, target ExportTarget, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := target.TableID + "/" + target.ReportID
	if err := s.fail[key]; err != nil {
		return err
	}
	s.written[key] = records
	return nil
}

// httpHandler serves fixed JSON bodies by path.
func httpHandler(body func(path string) string) http.Handler {
	return httpHandlerWithQuery(func(path string, _ url.Values) string { return body(path) })
}

func httpHandlerWithQuery(body func(path string, q url.Values) string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body(r.URL.Path, r.URL.Query())))
	})
}
