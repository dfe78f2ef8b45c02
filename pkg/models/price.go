package models

import (
	"strconv"
	"time"
)

// Bar represents one OHLCV candle for a code
type Bar struct {
	Code      string    `json:"code"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Amount    float64   `json:"amount"`
}

// AdjFactor is the cumulative price adjustment factor of a code on a day
type AdjFactor struct {
	Code   string    `json:"code"`
	Date   time.Time `json:"date"`
	Factor float64   `json:"factor"`
}

// Dataset is the normalized result of one fetch
type Dataset struct {
	Kind    DataKind
	Bars    []Bar
	Factors []AdjFactor
}

// Len is the number of rows
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Bars) + len(d.Factors)
}

// Span returns the earliest and latest row timestamps
func (d *Dataset) Span() (lo, hi time.Time, ok bool) {
	if d.Len() == 0 {
		return time.Time{}, time.Time{}, false
	}
	see := func(t time.Time) {
		if !ok {
			lo, hi, ok = t, t, true
			return
		}
		if t.Before(lo) {
			lo = t
		}
		if t.After(hi) {
			hi = t
		}
	}
	for _, b := range d.Bars {
		see(b.Timestamp)
	}
	for _, f := range d.Factors {
		see(f.Date)
	}
	return lo, hi, ok
}

// Codes returns the distinct codes present in the dataset
func (d *Dataset) Codes() map[string]struct{} {
	out := make(map[string]struct{})
	for _, b := range d.Bars {
		out[b.Code] = struct{}{}
	}
	for _, f := range d.Factors {
		out[f.Code] = struct{}{}
	}
	return out
}

// Records renders the dataset as CSV rows, header first
func (d *Dataset) Records() [][]string {
	if len(d.Factors) > 0 {
		rows := [][]string{{"code", "date", "factor"}}
		for _, f := range d.Factors {
			rows = append(rows, []string{f.Code, FormatDate(f.Date), ff(f.Factor)})
		}
		return rows
	}
	rows := [][]string{{"code", "timestamp", "open", "high", "low", "close", "volume", "amount"}}
	for _, b := range d.Bars {
		rows = append(rows, []string{
			b.Code, b.Timestamp.Format(time.RFC3339),
			ff(b.Open), ff(b.High), ff(b.Low), ff(b.Close), ff(b.Volume), ff(b.Amount),
		})
	}
	return rows
}

func ff(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
