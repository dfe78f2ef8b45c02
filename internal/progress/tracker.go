package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hanzch/qds/pkg/models"
)

// Tracker owns the in-memory ProgressMap of one run. Every merge is followed
// by a flush of the whole snapshot while the lock is held.
type Tracker struct {
	mu    sync.Mutex
	store Store
	key   string
	m     models.ProgressMap
}

// Open loads the map for key
func Open(ctx context.Context, store Store, key string) (*Tracker, error) {
	m, err := store.Load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load progress %s: %w", key, err)
	}
	return &Tracker{store: store, key: key, m: m}, nil
}

// Key returns the store key
func (t *Tracker) Key() string { return t.key }

// Lookup returns the coverage of code, zero if absent
func (t *Tracker) Lookup(code string) models.CoverageRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.m[code]
}

// Snapshot returns a copy of the current map
func (t *Tracker) Snapshot() models.ProgressMap {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.m.Clone()
}

// Commit widens coverage of every code to [start, end] and flushes. The
// in-memory merge stands even when the flush fails.
func (t *Tracker) Commit(ctx context.Context, codes []string, start, end time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := models.CoverageRecord{Start: start, End: end}
	for _, code := range codes {
		t.m.Extend(code, rec)
	}
	return t.flushLocked(ctx)
}

// Flush persists the current snapshot
func (t *Tracker) Flush(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flushLocked(ctx)
}

func (t *Tracker) flushLocked(ctx context.Context) error {
	if err := t.store.Save(ctx, t.key, t.m); err != nil {
		return fmt.Errorf("failed to flush progress %s: %w", t.key, err)
	}
	return nil
}
