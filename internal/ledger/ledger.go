// Package ledger persists the failed tasks of a run so they can be replayed.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hanzch/qds/pkg/models"
)

const timestampLayout = "20060102150405"

// Entry describes one persisted ledger file
type Entry struct {
	Name    string          `json:"name"`
	Source  string          `json:"source"`
	Kind    models.DataKind `json:"kind"`
	Created time.Time       `json:"created"`
	Tasks   int             `json:"tasks"`
}

// Ledger stores entries as <dir>/<source>_<kind>_<YYYYmmddHHMMSS>.json,
// each holding a JSON list of [codes, start, end] triples.
type Ledger struct {
	dir string
	now func() time.Time
}

// New creates dir if needed
func New(dir string) (*Ledger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ledger dir: %w", err)
	}
	return &Ledger{dir: dir, now: time.Now}, nil
}

// Dir returns the ledger directory
func (l *Ledger) Dir() string { return l.dir }

// Record persists the tasks of records and returns the entry name. An empty
// list persists nothing and returns "".
func (l *Ledger) Record(ctx context.Context, source string, kind models.DataKind, records []models.ErrorRecord) (string, error) {
	if len(records) == 0 {
		return "", nil
	}
	data, err := json.Marshal(models.Tasks(records))
	if err != nil {
		return "", fmt.Errorf("failed to encode ledger: %w", err)
	}

	base := fmt.Sprintf("%s_%s_%s", source, kind, l.now().Format(timestampLayout))
	name := base
	for i := 1; ; i++ {
		f, err := os.OpenFile(l.path(name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			name = fmt.Sprintf("%s-%d", base, i)
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to create ledger %s: %w", name, err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			os.Remove(l.path(name))
			return "", fmt.Errorf("failed to write ledger %s: %w", name, err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("failed to write ledger %s: %w", name, err)
		}
		return name, nil
	}
}

// Load reads the tasks of an entry
func (l *Ledger) Load(ctx context.Context, handle string) ([]models.DownloadTask, error) {
	name := Normalize(handle)
	data, err := os.ReadFile(l.path(name))
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger %s: %w", name, err)
	}
	var tasks []models.DownloadTask
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("failed to decode ledger %s: %w", name, err)
	}
	return tasks, nil
}

// Remove deletes an entry; removing an absent entry is not an error
func (l *Ledger) Remove(ctx context.Context, handle string) error {
	err := os.Remove(l.path(Normalize(handle)))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove ledger %s: %w", handle, err)
	}
	return nil
}

// List returns all entries, oldest first
func (l *Ledger) List(ctx context.Context) ([]Entry, error) {
	files, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger: %w", err)
	}
	var entries []Entry
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		name := strings.TrimSuffix(f.Name(), ".json")
		source, kind, created, err := ParseHandle(name)
		if err != nil {
			continue
		}
		tasks, err := l.Load(ctx, name)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Name: name, Source: source, Kind: kind, Created: created, Tasks: len(tasks)})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Created.Equal(entries[j].Created) {
			return entries[i].Name < entries[j].Name
		}
		return entries[i].Created.Before(entries[j].Created)
	})
	return entries, nil
}

func (l *Ledger) path(name string) string {
	return filepath.Join(l.dir, name+".json")
}

// Normalize accepts an entry name, a file name or a path
func Normalize(handle string) string {
	return strings.TrimSuffix(filepath.Base(handle), ".json")
}

// ParseHandle splits an entry name into its source, kind and creation time
func ParseHandle(handle string) (string, models.DataKind, time.Time, error) {
	name := Normalize(handle)
	parts := strings.Split(name, "_")
	if len(parts) < 3 {
		return "", "", time.Time{}, fmt.Errorf("%w: malformed ledger name %q", models.ErrInput, name)
	}
	stamp := parts[len(parts)-1]
	if i := strings.IndexByte(stamp, '-'); i >= 0 {
		stamp = stamp[:i]
	}
	created, err := time.ParseInLocation(timestampLayout, stamp, time.Local)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("%w: malformed ledger timestamp in %q", models.ErrInput, name)
	}
	kind, err := models.ParseDataKind(parts[len(parts)-2])
	if err != nil {
		return "", "", time.Time{}, err
	}
	return strings.Join(parts[:len(parts)-2], "_"), kind, created, nil
}
