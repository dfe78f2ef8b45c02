package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hanzch/qds/pkg/models"
)

// RangeReader is implemented by stores that can report what they hold
type RangeReader interface {
	StoredRange(ctx context.Context, table, code string) (earliest, latest time.Time, count int64, err error)
}

// CoverageCheck compares the recorded coverage of one code with the rows
// actually present in the store
type CoverageCheck struct {
	Code        string    `json:"code"`
	Covered     string    `json:"covered"`
	StoredStart time.Time `json:"stored_start"`
	StoredEnd   time.Time `json:"stored_end"`
	Rows        int64     `json:"rows"`
	Consistent  bool      `json:"consistent"`
}

// Verify checks recorded coverage against the store. A code is inconsistent
// when coverage is recorded but no rows exist, or when stored rows fall
// outside the recorded range. codes limits the check; empty means every
// covered code.
func (s *SyncService) Verify(ctx context.Context, kind models.DataKind, codes []string) ([]CoverageCheck, error) {
	reader, ok := s.deps.Store.(RangeReader)
	if !ok {
		return nil, fmt.Errorf("%w: store cannot report stored ranges", models.ErrInput)
	}
	profile, err := s.deps.Source.Profile(kind)
	if err != nil {
		return nil, err
	}
	m, err := s.Progress(ctx, kind)
	if err != nil {
		return nil, err
	}

	if len(codes) == 0 {
		for code := range m {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)

	checks := make([]CoverageCheck, 0, len(codes))
	for _, code := range codes {
		if err := ctx.Err(); err != nil {
			return checks, err
		}
		earliest, latest, n, err := reader.StoredRange(ctx, profile.Table, code)
		if err != nil {
			return checks, fmt.Errorf("%s: %w", code, err)
		}

		rec := m[code]
		c := CoverageCheck{Code: code, StoredStart: earliest, StoredEnd: latest, Rows: n}
		switch {
		case rec.IsZero():
			c.Covered = "-"
			c.Consistent = n == 0
		default:
			c.Covered = models.DateRange{Start: rec.Start, End: rec.End}.String()
			c.Consistent = n > 0 &&
				!models.Day(earliest).Before(rec.Start) &&
				!models.Day(latest).After(rec.End)
		}
		if !c.Consistent {
			s.logger.WithField("code", code).WithField("covered", c.Covered).
				WithField("rows", n).Warn("Coverage does not match store")
		}
		checks = append(checks, c)
	}
	return checks, nil
}
