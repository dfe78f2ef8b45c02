package models

import (
	"fmt"
	"time"
)

// DateLayout is the persisted and wire form of every calendar date
const DateLayout = "20060102"

// Day returns the calendar day of t as midnight UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYYMMDD string
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid date %q", ErrInput, s)
	}
	return t, nil
}

// MustDate is ParseDate for constants and tests
func MustDate(s string) time.Time {
	t, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return t
}

// FormatDate renders a date as YYYYMMDD; the zero time renders as ""
func FormatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(DateLayout)
}

// AddDays shifts a date by n calendar days
func AddDays(t time.Time, n int) time.Time {
	return t.AddDate(0, 0, n)
}

// DaysBetween counts whole days from a to b
func DaysBetween(a, b time.Time) int {
	return int(Day(b).Sub(Day(a)).Hours() / 24)
}

// MaxDate returns the latest of the given dates
func MaxDate(first time.Time, rest ...time.Time) time.Time {
	m := first
	for _, t := range rest {
		if t.After(m) {
			m = t
		}
	}
	return m
}

// MinDate returns the earliest of the given dates
func MinDate(first time.Time, rest ...time.Time) time.Time {
	m := first
	for _, t := range rest {
		if t.Before(m) {
			m = t
		}
	}
	return m
}
