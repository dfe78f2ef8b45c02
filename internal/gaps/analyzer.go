// Package gaps finds the date ranges each instrument still needs.
package gaps

import (
	"context"
	"fmt"
	"time"

	"github.com/hanzch/qds/internal/interval"
	"github.com/hanzch/qds/pkg/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// CoverageLookup returns the stored coverage of a code, zero when absent
type CoverageLookup interface {
	Lookup(code string) models.CoverageRecord
}

// Request is one analysis pass. End must already be the effective end.
type Request struct {
	Universe []models.Instrument
	Profile  models.SourceProfile
	Start    time.Time
	End      time.Time
}

// Analyzer computes gaps on a fixed-size pool independent of source limits
type Analyzer struct {
	workers int
	logger  *logrus.Entry
}

// NewAnalyzer creates an analyzer with the given pool size
func NewAnalyzer(workers int, logger *logrus.Logger) *Analyzer {
	if workers < 1 {
		workers = 1
	}
	return &Analyzer{
		workers: workers,
		logger:  logger.WithField("component", "gap-analyzer"),
	}
}

// Analyze returns the gaps of every instrument in universe order. A window
// that ends before it starts, as a weekend or a day before the cutoff does
// after rollback, yields no gaps.
func (a *Analyzer) Analyze(ctx context.Context, req Request, coverage CoverageLookup) ([]models.Gap, error) {
	if len(req.Universe) == 0 {
		return nil, fmt.Errorf("%w: empty universe", models.ErrInput)
	}

	perInstrument := make([][]models.Gap, len(req.Universe))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for i, inst := range req.Universe {
		i, inst := i, inst
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			perInstrument[i] = a.instrumentGaps(inst, req, coverage)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []models.Gap
	for _, gs := range perInstrument {
		out = append(out, gs...)
	}
	a.logger.WithFields(logrus.Fields{
		"instruments": len(req.Universe),
		"gaps":        len(out),
		"end":         models.FormatDate(req.End),
	}).Info("Gap analysis finished")
	return out, nil
}

func (a *Analyzer) instrumentGaps(inst models.Instrument, req Request, coverage CoverageLookup) []models.Gap {
	if !inst.ListingDate.IsZero() && inst.ListingDate.After(req.End) {
		a.logger.WithFields(logrus.Fields{
			"code":         inst.Code,
			"listing_date": models.FormatDate(inst.ListingDate),
		}).Warn("Instrument not listed before end date, skipping")
		return nil
	}

	start := models.MaxDate(req.Profile.EarliestDate, inst.ListingDate, req.Start)
	if start.After(req.End) {
		return nil
	}

	ranges := interval.Diff(coverage.Lookup(inst.Code), models.DateRange{Start: start, End: req.End})
	out := make([]models.Gap, 0, len(ranges))
	for _, r := range ranges {
		out = append(out, models.Gap{Code: inst.Code, Start: r.Start, End: r.End})
	}
	return out
}
