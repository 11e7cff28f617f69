package export

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/spf13/afero"
)

// ManifestFile is the name of the index kept in every export directory.
const ManifestFile = "manifest.json"

// Entry describes one exported file.
type Entry struct {
	AppID      string    `json:"app_id"`
	TableID    string    `json:"table_id"`
	TableName  string    `json:"table_name"`
	ReportID   string    `json:"report_id"`
	File       string    `json:"file"`
	Records    int       `json:"records"`
	ExportedAt time.Time `json:"exported_at"`
}

// Manifest indexes the files of one export directory, keyed by file name.
//
// Changes are held in memory until Flush, which writes the whole index
// atomically: temp file in the same directory, sync, rename. A crash leaves
// either the previous manifest or the new one, never a partial file.
//
// Manifest is safe for concurrent use.
type Manifest struct {
	fs      afero.Fs
	path    string
	mu      sync.RWMutex
	entries map[string]Entry
	dirty   bool
}

// OpenManifest loads the manifest at path, or starts an empty one if the
// file does not exist.
func OpenManifest(fs afero.Fs, path string) (*Manifest, error) {
	m := &Manifest{
		fs:      fs,
		path:    path,
		entries: make(map[string]Entry),
	}

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return m, nil
		}
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}

	if len(data) > 0 {
		var list []Entry
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
		}
		for _, e := range list {
			m.entries[e.File] = e
		}
	}
	return m, nil
}

// Record adds or replaces the entry for e.File.
func (m *Manifest) Record(e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.File] = e
	m.dirty = true
}

// Get returns the entry for a file name.
func (m *Manifest) Get(file string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[file]
	return e, ok
}

// Flush writes the manifest if it changed since the last flush.
func (m *Manifest) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.dirty {
		return nil
	}

	data, err := json.MarshalIndent(m.sorted(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}
	if err := writeAtomic(m.fs, m.path, data); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}

	m.dirty = false
	return nil
}

// Snapshot returns a copy of all entries ordered by file name.
func (m *Manifest) Snapshot() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sorted()
}

func (m *Manifest) sorted() []Entry {
	list := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].File < list[j].File })
	return list
}

// writeAtomic writes data to path through a temp file in the same directory
// followed by a rename.
func writeAtomic(fs afero.Fs, path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := afero.TempFile(fs, dir, filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = fs.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = fs.Remove(tmpPath)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = fs.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := fs.Rename(tmpPath, path); err != nil {
		_ = fs.Remove(tmpPath)
		return fmt.Errorf("renaming %s: %w", tmpPath, err)
	}
	return nil
}
