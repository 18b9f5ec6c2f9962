package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// FileStore persists the registry as a single JSON snapshot. Writes
// replace the file atomically, so readers never see a partial registry.
type FileStore struct {
	path string

	mu      sync.RWMutex
	records map[string]Record
}

// NewFileStore opens (or initializes) a file-backed registry at path.
func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{path: path, records: make(map[string]Record)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fs, nil
		}
		return nil, fmt.Errorf("registry: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &fs.records); err != nil {
		return nil, fmt.Errorf("registry: parse %s: %w", path, err)
	}
	return fs, nil
}

func (fs *FileStore) Get(_ context.Context, codeHash string) (*Record, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	rec, ok := fs.records[codeHash]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (fs *FileStore) Put(_ context.Context, rec Record) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.records[rec.CodeHash] = rec
	return fs.flushLocked()
}

func (fs *FileStore) UpdateStatus(_ context.Context, codeHash string, status Status) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	rec, ok := fs.records[codeHash]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	fs.records[codeHash] = rec
	return fs.flushLocked()
}

func (fs *FileStore) List(_ context.Context) ([]Record, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	out := make([]Record, 0, len(fs.records))
	for _, rec := range fs.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// flushLocked publishes the snapshot with write-temp-then-rename.
func (fs *FileStore) flushLocked() error {
	data, err := json.MarshalIndent(fs.records, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: marshal: %w", err)
	}
	dir := filepath.Dir(fs.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("registry: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".registry-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), fs.path)
}
