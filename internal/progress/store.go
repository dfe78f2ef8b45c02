// Package progress persists per-code coverage between cycles.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/hanzch/qds/pkg/models"
)

// Store loads and saves ProgressMaps by key. Load of an absent key returns an
// empty map.
type Store interface {
	Load(ctx context.Context, key string) (models.ProgressMap, error)
	Save(ctx context.Context, key string, m models.ProgressMap) error
}

// Key scopes a ProgressMap to one source and data kind
func Key(source string, kind models.DataKind) string {
	return source + "_" + string(kind)
}

// FileStore keeps one JSON file per key in a directory
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create progress dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

// Load reads the map for key
func (s *FileStore) Load(ctx context.Context, key string) (models.ProgressMap, error) {
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return models.ProgressMap{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read progress %s: %w", key, err)
	}
	var m models.ProgressMap
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode progress %s: %w", key, err)
	}
	if m == nil {
		m = models.ProgressMap{}
	}
	return m, nil
}

// Save writes the map for key atomically
func (s *FileStore) Save(ctx context.Context, key string, m models.ProgressMap) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode progress %s: %w", key, err)
	}
	tmp, err := os.CreateTemp(s.dir, key+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to save progress %s: %w", key, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to save progress %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to save progress %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), s.path(key)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to save progress %s: %w", key, err)
	}
	return nil
}

// Admin is implemented by stores that can enumerate and drop keys
type Admin interface {
	Keys(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// Delete removes the map for key; an absent key is not an error
func (s *FileStore) Delete(ctx context.Context, key string) error {
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete progress %s: %w", key, err)
	}
	return nil
}

// Keys lists the stored keys
func (s *FileStore) Keys(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, ".json"))
	}
	return keys, nil
}
