// Package binance adapts Binance spot klines to source.Source.
package binance

import (
	"context"
	"fmt"
	"strconv"
	"time"

	binance "github.com/binance/binance-connector-go"
	"github.com/hanzch/qds/internal/source"
	"github.com/hanzch/qds/pkg/config"
	"github.com/hanzch/qds/pkg/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Name identifies the source in keys, tables and ledger entries
const Name = "binance"

const klinesPerRequest = 1000

var earliest = models.MustDate("20170801")

// Source fetches klines one symbol at a time, paging through the range in
// requests of at most 1000 klines.
type Source struct {
	client      *binance.Client
	quoteAsset  string
	concurrency int
	limiter     *rate.Limiter
	logger      *logrus.Entry
}

// New creates the adapter
func New(cfg *config.BinanceConfig, logger *logrus.Logger) *Source {
	return &Source{
		client:      binance.NewClient(cfg.APIKey, cfg.SecretKey, cfg.BaseURL),
		quoteAsset:  cfg.QuoteAsset,
		concurrency: cfg.Concurrency,
		limiter:     rate.NewLimiter(rate.Every(100*time.Millisecond), 1),
		logger:      logger.WithField("component", "binance-source"),
	}
}

func (s *Source) Name() string { return Name }

// Profile returns the limits for kind. Binance has no adjustment factors.
func (s *Source) Profile(kind models.DataKind) (models.SourceProfile, error) {
	if _, err := interval(kind); err != nil {
		return models.SourceProfile{}, err
	}
	return models.SourceProfile{
		Name:         Name,
		Kind:         kind,
		RowLimit:     klinesPerRequest,
		Concurrency:  s.concurrency,
		EarliestDate: earliest,
		Table:        source.Table(Name, kind),
	}, nil
}

func interval(kind models.DataKind) (string, error) {
	switch kind {
	case models.KindDay:
		return "1d", nil
	case models.KindMinute:
		return "1m", nil
	default:
		return "", fmt.Errorf("%w: binance has no %s data", models.ErrInput, kind)
	}
}

// FetchBars returns klines for every code, in UTC days [start, end]
func (s *Source) FetchBars(ctx context.Context, codes []string, start, end time.Time, kind models.DataKind, adj source.Adjustment) (*models.Dataset, error) {
	iv, err := interval(kind)
	if err != nil {
		return nil, err
	}
	if adj != source.AdjustNone {
		return nil, fmt.Errorf("%w: binance klines cannot be adjusted", models.ErrInput)
	}

	ds := &models.Dataset{Kind: kind}
	startMs, endMs := rangeMillis(start, end)
	for _, code := range codes {
		bars, err := s.fetchSymbol(ctx, code, iv, startMs, endMs)
		if err != nil {
			return nil, err
		}
		ds.Bars = append(ds.Bars, bars...)
	}
	return ds, nil
}

func (s *Source) fetchSymbol(ctx context.Context, symbol, iv string, startMs, endMs uint64) ([]models.Bar, error) {
	var bars []models.Bar
	cursor := startMs
	for cursor <= endMs {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		klines, err := s.client.NewKlinesService().
			Symbol(symbol).
			Interval(iv).
			StartTime(cursor).
			EndTime(endMs).
			Limit(klinesPerRequest).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch klines for %s: %w", symbol, err)
		}
		for _, k := range klines {
			bar, err := toBar(symbol, k)
			if err != nil {
				return nil, err
			}
			bars = append(bars, bar)
		}
		if len(klines) < klinesPerRequest {
			break
		}
		cursor = klines[len(klines)-1].CloseTime + 1
	}

	s.logger.WithFields(logrus.Fields{
		"symbol": symbol,
		"count":  len(bars),
	}).Debug("Fetched klines")
	return bars, nil
}

// rangeMillis converts inclusive UTC days to a millisecond window
func rangeMillis(start, end time.Time) (uint64, uint64) {
	from := models.Day(start)
	to := models.AddDays(models.Day(end), 1)
	return uint64(from.UnixMilli()), uint64(to.UnixMilli()) - 1
}

func toBar(symbol string, k *binance.KlinesResponse) (models.Bar, error) {
	values := make([]float64, 6)
	for i, raw := range []string{k.Open, k.High, k.Low, k.Close, k.Volume, k.QuoteAssetVolume} {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return models.Bar{}, fmt.Errorf("%w: bad kline value %q for %s", models.ErrIntegrity, raw, symbol)
		}
		values[i] = v
	}
	return models.Bar{
		Code:      symbol,
		Timestamp: time.UnixMilli(int64(k.OpenTime)).UTC(),
		Open:      values[0],
		High:      values[1],
		Low:       values[2],
		Close:     values[3],
		Volume:    values[4],
		Amount:    values[5],
	}, nil
}

// FetchAdjustment is not supported by Binance
func (s *Source) FetchAdjustment(ctx context.Context, codes []string, start, end time.Time) (*models.Dataset, error) {
	return nil, fmt.Errorf("%w: binance has no adjustment factors", models.ErrInput)
}

// Directory lists trading symbols quoted in the configured asset. Binance does
// not publish listing dates, so they are left zero and the source earliest
// date applies.
func (s *Source) Directory(ctx context.Context) ([]models.Instrument, error) {
	info, err := s.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch exchange info: %w", err)
	}
	var out []models.Instrument
	for _, sym := range info.Symbols {
		if sym.Status != "TRADING" {
			continue
		}
		if s.quoteAsset != "" && sym.QuoteAsset != s.quoteAsset {
			continue
		}
		out = append(out, models.Instrument{Code: sym.Symbol})
	}
	return out, nil
}

var _ source.Source = (*Source)(nil)
