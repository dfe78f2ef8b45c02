package executor

import (
	"encoding/csv"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hanzch/qds/pkg/models"
)

// FileQuarantine writes rejected datasets as CSV files
type FileQuarantine struct {
	dir string
}

// NewFileQuarantine creates dir if needed
func NewFileQuarantine(dir string) (*FileQuarantine, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create quarantine dir: %w", err)
	}
	return &FileQuarantine{dir: dir}, nil
}

// Put writes ds to dirty_<code>_<kind>_<timestamp>_<n>.csv and returns the path
func (q *FileQuarantine) Put(task models.DownloadTask, kind models.DataKind, ds *models.Dataset) (string, error) {
	label := "none"
	if len(task.Codes) > 0 {
		label = sanitize(task.Codes[0])
		if len(task.Codes) > 1 {
			label += fmt.Sprintf("+%d", len(task.Codes)-1)
		}
	}
	pattern := fmt.Sprintf("dirty_%s_%s_%s_*.csv", label, kind, time.Now().Format("20060102150405"))

	f, err := os.CreateTemp(q.dir, pattern)
	if err != nil {
		return "", fmt.Errorf("failed to create quarantine file: %w", err)
	}
	w := csv.NewWriter(f)
	if err := w.WriteAll(ds.Records()); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write quarantine file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to write quarantine file: %w", err)
	}
	return f.Name(), nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', ' ':
			return '-'
		}
		return r
	}, s)
}
