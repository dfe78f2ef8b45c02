package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// DateRange is an inclusive range of calendar days
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Days is the inclusive number of days in the range
func (r DateRange) Days() int {
	return DaysBetween(r.Start, r.End) + 1
}

func (r DateRange) String() string {
	return FormatDate(r.Start) + "-" + FormatDate(r.End)
}

// CoverageRecord is the contiguous range already persisted for one code
type CoverageRecord struct {
	Start time.Time
	End   time.Time
}

// IsZero reports whether the record is absent
func (c CoverageRecord) IsZero() bool {
	return c.Start.IsZero() && c.End.IsZero()
}

// Widen returns the smallest record covering both c and o
func (c CoverageRecord) Widen(o CoverageRecord) CoverageRecord {
	if c.IsZero() {
		return o
	}
	if o.IsZero() {
		return c
	}
	return CoverageRecord{Start: MinDate(c.Start, o.Start), End: MaxDate(c.End, o.End)}
}

func (c CoverageRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{FormatDate(c.Start), FormatDate(c.End)})
}

func (c *CoverageRecord) UnmarshalJSON(b []byte) error {
	var pair [2]string
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	start, err := ParseDate(pair[0])
	if err != nil {
		return err
	}
	end, err := ParseDate(pair[1])
	if err != nil {
		return err
	}
	if end.Before(start) {
		return fmt.Errorf("%w: coverage end %s before start %s", ErrInput, pair[1], pair[0])
	}
	c.Start, c.End = start, end
	return nil
}

// ProgressMap maps instrument code to coverage for one (source, kind) pair.
// It is persisted as the pair [map, count].
type ProgressMap map[string]CoverageRecord

// Extend widens the record for code; coverage never narrows
func (m ProgressMap) Extend(code string, rec CoverageRecord) {
	m[code] = m[code].Widen(rec)
}

// Clone returns a copy safe to hand to another goroutine
func (m ProgressMap) Clone() ProgressMap {
	out := make(ProgressMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (m ProgressMap) MarshalJSON() ([]byte, error) {
	inner := make(map[string]CoverageRecord, len(m))
	for k, v := range m {
		inner[k] = v
	}
	return json.Marshal([]interface{}{inner, len(inner)})
}

func (m *ProgressMap) UnmarshalJSON(b []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(b, &pair); err != nil {
		return fmt.Errorf("progress map is not a [map, count] pair: %w", err)
	}
	if len(pair) == 0 {
		*m = ProgressMap{}
		return nil
	}
	inner := map[string]CoverageRecord{}
	if err := json.Unmarshal(pair[0], &inner); err != nil {
		return err
	}
	*m = ProgressMap(inner)
	return nil
}
