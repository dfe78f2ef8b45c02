package tushare

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hanzch/qds/internal/source"
	"github.com/hanzch/qds/pkg/config"
	"github.com/hanzch/qds/pkg/models"
	"github.com/sirupsen/logrus"
)

// Name identifies the source in keys, tables and ledger entries
const Name = "tushare"

const (
	dayRowLimit    = 5900
	minuteRowLimit = 7920
	maxCodesPerReq = 2000
)

var (
	dayEarliest    = models.MustDate("19900101")
	minuteEarliest = models.MustDate("20090101")
)

// Source is the Tushare Pro adapter. Day bars and adjustment factors accept a
// comma joined code list; minute bars are fetched one code per request.
type Source struct {
	client      *Client
	concurrency int
	loc         *time.Location
	logger      *logrus.Entry
}

// New creates the adapter. loc is the exchange time zone of returned dates.
func New(cfg *config.TushareConfig, loc *time.Location, logger *logrus.Logger) (*Source, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("%w: tushare token is required", models.ErrInput)
	}
	return &Source{
		client:      NewClient(cfg, logger),
		concurrency: cfg.Concurrency,
		loc:         loc,
		logger:      logger.WithField("component", "tushare-source"),
	}, nil
}

func (s *Source) Name() string { return Name }

// Profile returns the limits for kind
func (s *Source) Profile(kind models.DataKind) (models.SourceProfile, error) {
	p := models.SourceProfile{
		Name:        Name,
		Kind:        kind,
		Concurrency: s.concurrency,
		Table:       source.Table(Name, kind),
		MaxBatch:    maxCodesPerReq,
	}
	switch kind {
	case models.KindDay, models.KindAdj:
		p.RowLimit = dayRowLimit
		p.EarliestDate = dayEarliest
		p.MultiCode = true
	case models.KindMinute:
		p.RowLimit = minuteRowLimit
		p.EarliestDate = minuteEarliest
	default:
		return models.SourceProfile{}, fmt.Errorf("%w: unknown data kind %q", models.ErrInput, kind)
	}
	return p, nil
}

// FetchBars returns unadjusted day or minute bars
func (s *Source) FetchBars(ctx context.Context, codes []string, start, end time.Time, kind models.DataKind, adj source.Adjustment) (*models.Dataset, error) {
	if adj != source.AdjustNone {
		return nil, fmt.Errorf("%w: tushare bars are unadjusted, use adjustment factors", models.ErrInput)
	}
	switch kind {
	case models.KindDay:
		return s.fetchDaily(ctx, codes, start, end)
	case models.KindMinute:
		ds := &models.Dataset{Kind: models.KindMinute}
		for _, code := range codes {
			bars, err := s.fetchMinutes(ctx, code, start, end)
			if err != nil {
				return nil, err
			}
			ds.Bars = append(ds.Bars, bars...)
		}
		return ds, nil
	default:
		return nil, fmt.Errorf("%w: %s is not a bar kind", models.ErrInput, kind)
	}
}

func (s *Source) fetchDaily(ctx context.Context, codes []string, start, end time.Time) (*models.Dataset, error) {
	t, err := s.client.query(ctx, "daily", map[string]string{
		"ts_code":    strings.Join(codes, ","),
		"start_date": models.FormatDate(start),
		"end_date":   models.FormatDate(end),
	}, "ts_code,trade_date,open,high,low,close,vol,amount")
	if err != nil {
		return nil, err
	}

	ds := &models.Dataset{Kind: models.KindDay, Bars: make([]models.Bar, 0, len(t.items))}
	for _, row := range t.items {
		ts, err := time.ParseInLocation(models.DateLayout, t.str(row, "trade_date"), s.loc)
		if err != nil {
			return nil, fmt.Errorf("failed to parse trade_date: %w", err)
		}
		ds.Bars = append(ds.Bars, models.Bar{
			Code:      t.str(row, "ts_code"),
			Timestamp: ts,
			Open:      t.num(row, "open"),
			High:      t.num(row, "high"),
			Low:       t.num(row, "low"),
			Close:     t.num(row, "close"),
			Volume:    t.num(row, "vol"),
			Amount:    t.num(row, "amount"),
		})
	}
	return ds, nil
}

func (s *Source) fetchMinutes(ctx context.Context, code string, start, end time.Time) ([]models.Bar, error) {
	t, err := s.client.query(ctx, "stk_mins", map[string]string{
		"ts_code":    code,
		"freq":       "1min",
		"start_date": start.Format("2006-01-02") + " 09:00:00",
		"end_date":   end.Format("2006-01-02") + " 15:30:00",
	}, "ts_code,trade_time,open,high,low,close,vol,amount")
	if err != nil {
		return nil, err
	}

	bars := make([]models.Bar, 0, len(t.items))
	for _, row := range t.items {
		ts, err := time.ParseInLocation("2006-01-02 15:04:05", t.str(row, "trade_time"), s.loc)
		if err != nil {
			return nil, fmt.Errorf("failed to parse trade_time: %w", err)
		}
		bars = append(bars, models.Bar{
			Code:      code,
			Timestamp: ts,
			Open:      t.num(row, "open"),
			High:      t.num(row, "high"),
			Low:       t.num(row, "low"),
			Close:     t.num(row, "close"),
			Volume:    t.num(row, "vol"),
			Amount:    t.num(row, "amount"),
		})
	}
	return bars, nil
}

// FetchAdjustment returns cumulative adjustment factors
func (s *Source) FetchAdjustment(ctx context.Context, codes []string, start, end time.Time) (*models.Dataset, error) {
	t, err := s.client.query(ctx, "adj_factor", map[string]string{
		"ts_code":    strings.Join(codes, ","),
		"start_date": models.FormatDate(start),
		"end_date":   models.FormatDate(end),
	}, "ts_code,trade_date,adj_factor")
	if err != nil {
		return nil, err
	}

	ds := &models.Dataset{Kind: models.KindAdj, Factors: make([]models.AdjFactor, 0, len(t.items))}
	for _, row := range t.items {
		d, err := time.ParseInLocation(models.DateLayout, t.str(row, "trade_date"), s.loc)
		if err != nil {
			return nil, fmt.Errorf("failed to parse trade_date: %w", err)
		}
		ds.Factors = append(ds.Factors, models.AdjFactor{
			Code:   t.str(row, "ts_code"),
			Date:   d,
			Factor: t.num(row, "adj_factor"),
		})
	}
	return ds, nil
}

// Directory lists listed stocks with their listing dates
func (s *Source) Directory(ctx context.Context) ([]models.Instrument, error) {
	t, err := s.client.query(ctx, "stock_basic", map[string]string{
		"list_status": "L",
	}, "ts_code,list_date")
	if err != nil {
		return nil, err
	}

	out := make([]models.Instrument, 0, len(t.items))
	for _, row := range t.items {
		inst := models.Instrument{Code: t.str(row, "ts_code")}
		if d := t.str(row, "list_date"); d != "" {
			listed, err := models.ParseDate(d)
			if err != nil {
				s.logger.WithField("code", inst.Code).Warn("Skipping instrument with bad listing date")
				continue
			}
			inst.ListingDate = listed
		}
		out = append(out, inst)
	}
	return out, nil
}

// Suspended reports whether code has suspension records within the range
func (s *Source) Suspended(ctx context.Context, code string, start, end time.Time) (bool, error) {
	t, err := s.client.query(ctx, "suspend_d", map[string]string{
		"ts_code":      code,
		"start_date":   models.FormatDate(start),
		"end_date":     models.FormatDate(end),
		"suspend_type": "S",
	}, "ts_code,trade_date")
	if err != nil {
		return false, err
	}
	return len(t.items) > 0, nil
}

var (
	_ source.Source            = (*Source)(nil)
	_ source.SuspensionChecker = (*Source)(nil)
)
