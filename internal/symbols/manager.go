// Package symbols resolves the instrument universe of a cycle from the
// MySQL directory or, when none is configured, straight from the source.
package symbols

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hanzch/qds/internal/source"
	"github.com/hanzch/qds/pkg/models"
	"github.com/sirupsen/logrus"
)

// Catalog is a persistent instrument directory
type Catalog interface {
	Instruments(ctx context.Context, source string) ([]models.Instrument, error)
	Upsert(ctx context.Context, source string, instruments []models.Instrument) error
}

// Manager caches the instrument directory of one source
type Manager struct {
	src     source.Source
	catalog Catalog
	logger  *logrus.Entry

	mu          sync.RWMutex
	instruments map[string]models.Instrument
	lastRefresh time.Time
}

// NewManager creates a manager. catalog may be nil.
func NewManager(src source.Source, catalog Catalog, logger *logrus.Logger) *Manager {
	return &Manager{
		src:         src,
		catalog:     catalog,
		logger:      logger.WithField("component", "symbols-manager"),
		instruments: make(map[string]models.Instrument),
	}
}

// Load reads the directory into the cache. The catalog is preferred; an
// empty catalog falls back to the source.
func (m *Manager) Load(ctx context.Context) error {
	var (
		list []models.Instrument
		err  error
		from = "catalog"
	)
	if m.catalog != nil {
		list, err = m.catalog.Instruments(ctx, m.src.Name())
		if err != nil {
			return fmt.Errorf("failed to load instruments from catalog: %w", err)
		}
	}
	if len(list) == 0 {
		from = "source"
		list, err = m.src.Directory(ctx)
		if err != nil {
			return fmt.Errorf("failed to load instruments from %s: %w", m.src.Name(), err)
		}
	}

	m.mu.Lock()
	m.instruments = make(map[string]models.Instrument, len(list))
	for _, inst := range list {
		m.instruments[inst.Code] = inst
	}
	m.lastRefresh = time.Now()
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{"count": len(list), "from": from}).Info("Instruments loaded")
	return nil
}

// Update pulls the source directory into the catalog and reloads the cache
func (m *Manager) Update(ctx context.Context) (int, error) {
	if m.catalog == nil {
		return 0, fmt.Errorf("%w: no instrument catalog configured", models.ErrInput)
	}
	list, err := m.src.Directory(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch directory from %s: %w", m.src.Name(), err)
	}
	if err := m.catalog.Upsert(ctx, m.src.Name(), list); err != nil {
		return 0, err
	}
	return len(list), m.Load(ctx)
}

// Universe returns the instruments of a cycle ordered by code. With no codes
// it is every listed instrument that is not delisted. Requested codes missing
// from the directory are kept with no listing date so the source earliest
// date bounds them.
func (m *Manager) Universe(ctx context.Context, codes []string) ([]models.Instrument, error) {
	m.mu.RLock()
	empty := m.lastRefresh.IsZero()
	m.mu.RUnlock()
	if empty {
		if err := m.Load(ctx); err != nil {
			return nil, err
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Instrument
	if len(codes) == 0 {
		for _, inst := range m.instruments {
			if !inst.Delisted {
				out = append(out, inst)
			}
		}
	} else {
		seen := make(map[string]bool, len(codes))
		for _, code := range codes {
			if seen[code] {
				continue
			}
			seen[code] = true
			inst, ok := m.instruments[code]
			if !ok {
				m.logger.WithField("code", code).Warn("Code not in directory, using source earliest date")
				inst = models.Instrument{Code: code}
			}
			out = append(out, inst)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// All returns every cached instrument ordered by code
func (m *Manager) All() []models.Instrument {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Instrument, 0, len(m.instruments))
	for _, inst := range m.instruments {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}
