// Package sourcetest provides an in-memory Source for tests.
package sourcetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hanzch/qds/internal/source"
	"github.com/hanzch/qds/pkg/models"
)

// Source serves one weekday bar (or factor) per code per day. Fail, when
// set, is consulted before every fetch and a non-nil error is returned as is.
// A fetch for which Block returns true waits until its context is done.
type Source struct {
	Instruments []models.Instrument
	Profiles    map[models.DataKind]models.SourceProfile
	Fail        func(codes []string, start, end time.Time) error
	Block       func(codes []string, start, end time.Time) bool

	mu    sync.Mutex
	calls []models.DownloadTask
}

// New returns a source named "mem" with single-code profiles for every kind
func New(instruments ...models.Instrument) *Source {
	profiles := make(map[models.DataKind]models.SourceProfile)
	for _, kind := range models.AllKinds {
		profiles[kind] = models.SourceProfile{
			Name:         "mem",
			Kind:         kind,
			RowLimit:     1000,
			Concurrency:  2,
			EarliestDate: models.MustDate("20000101"),
			Table:        source.Table("mem", kind),
		}
	}
	return &Source{Instruments: instruments, Profiles: profiles}
}

func (s *Source) Name() string { return "mem" }

func (s *Source) Profile(kind models.DataKind) (models.SourceProfile, error) {
	p, ok := s.Profiles[kind]
	if !ok {
		return models.SourceProfile{}, fmt.Errorf("%w: unsupported kind %s", models.ErrInput, kind)
	}
	return p, nil
}

func (s *Source) FetchBars(ctx context.Context, codes []string, start, end time.Time, kind models.DataKind, adj source.Adjustment) (*models.Dataset, error) {
	if err := s.record(ctx, codes, start, end); err != nil {
		return nil, err
	}
	ds := &models.Dataset{Kind: kind}
	each(codes, start, end, func(code string, day time.Time) {
		ts := day
		if kind == models.KindMinute {
			ts = day.Add(15 * time.Hour)
		}
		ds.Bars = append(ds.Bars, models.Bar{Code: code, Timestamp: ts, Open: 1, High: 1, Low: 1, Close: 1, Volume: 100})
	})
	return ds, nil
}

func (s *Source) FetchAdjustment(ctx context.Context, codes []string, start, end time.Time) (*models.Dataset, error) {
	if err := s.record(ctx, codes, start, end); err != nil {
		return nil, err
	}
	ds := &models.Dataset{Kind: models.KindAdj}
	each(codes, start, end, func(code string, day time.Time) {
		ds.Factors = append(ds.Factors, models.AdjFactor{Code: code, Date: day, Factor: 1})
	})
	return ds, nil
}

func (s *Source) Directory(ctx context.Context) ([]models.Instrument, error) {
	return append([]models.Instrument(nil), s.Instruments...), nil
}

// Calls returns every fetch made so far
func (s *Source) Calls() []models.DownloadTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.DownloadTask(nil), s.calls...)
}

func (s *Source) record(ctx context.Context, codes []string, start, end time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.calls = append(s.calls, models.DownloadTask{Codes: append([]string(nil), codes...), Start: start, End: end})
	fail, block := s.Fail, s.Block
	s.mu.Unlock()
	if block != nil && block(codes, start, end) {
		<-ctx.Done()
		return ctx.Err()
	}
	if fail != nil {
		return fail(codes, start, end)
	}
	return nil
}

func each(codes []string, start, end time.Time, fn func(code string, day time.Time)) {
	for _, code := range codes {
		for d := start; !d.After(end); d = models.AddDays(d, 1) {
			if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
				continue
			}
			fn(code, d)
		}
	}
}
