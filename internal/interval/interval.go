// Package interval holds the pure date arithmetic behind gap analysis and
// request sizing.
package interval

import (
	"time"

	"github.com/hanzch/qds/pkg/models"
)

// Diff returns the parts of requested not yet held in covered, in date order.
// Gaps share their boundary day with covered. A request lying wholly before or
// after covered is bridged up to it so coverage stays one contiguous range.
func Diff(covered models.CoverageRecord, requested models.DateRange) []models.DateRange {
	if covered.IsZero() {
		return []models.DateRange{requested}
	}
	a, b := covered.Start, covered.End
	c, d := requested.Start, requested.End

	before := c.Before(a)
	after := d.After(b)
	switch {
	case !before && !after:
		return nil
	case before && after:
		return []models.DateRange{{Start: c, End: a}, {Start: b, End: d}}
	case before:
		return []models.DateRange{{Start: c, End: a}}
	default:
		return []models.DateRange{{Start: b, End: d}}
	}
}

// ExpectedRows estimates rows per code for the range
func ExpectedRows(r models.DateRange, kind models.DataKind) int {
	days := r.Days()
	if days < 1 {
		days = 1
	}
	return days * kind.BarsPerDay()
}

// Paging ceiling-divides the row budget by the expected rows of one code over
// r. The result is how many codes one request may carry and is never below 1.
func Paging(r models.DateRange, kind models.DataKind, rowLimit int) int {
	rows := ExpectedRows(r, kind)
	if rowLimit <= rows {
		return 1
	}
	return (rowLimit + rows - 1) / rows
}

// Capacity is the floor counterpart of Paging: the largest code batch whose
// estimated rows stay within rowLimit.
func Capacity(r models.DateRange, kind models.DataKind, rowLimit int) int {
	n := rowLimit / ExpectedRows(r, kind)
	if n < 1 {
		return 1
	}
	return n
}

// ChunkSpan is the number of days one single-code request may cover
func ChunkSpan(kind models.DataKind, rowLimit int) int {
	span := rowLimit / kind.BarsPerDay()
	if span < 1 {
		return 1
	}
	return span
}

// EffectiveEnd turns the nominal end of a cycle into the last day whose data is
// final upstream. Before cutoffHour (in now's location) today is not final.
// Weekends fall back to Friday. Minute cycles run one day further.
func EffectiveEnd(now, nominal time.Time, kind models.DataKind, cutoffHour int) time.Time {
	today := models.Day(now)
	end := models.Day(nominal)
	if !end.Before(today) {
		end = today
		if now.Hour() < cutoffHour {
			end = models.AddDays(end, -1)
		}
	}
	switch end.Weekday() {
	case time.Saturday:
		end = models.AddDays(end, -1)
	case time.Sunday:
		end = models.AddDays(end, -2)
	}
	if kind == models.KindMinute {
		end = models.AddDays(end, 1)
	}
	return end
}
