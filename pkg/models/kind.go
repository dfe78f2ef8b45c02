package models

import "fmt"

// DataKind selects which series a cycle synchronizes. Each kind has its own
// coverage, table and ledger namespace.
type DataKind string

const (
	KindDay    DataKind = "day"
	KindMinute DataKind = "minute"
	KindAdj    DataKind = "adj"
)

// MinuteBarsPerDay is the planning estimate for one trading day of 1m bars.
const MinuteBarsPerDay = 240

// AllKinds lists kinds in the order a full sync runs them
var AllKinds = []DataKind{KindDay, KindMinute, KindAdj}

// ParseDataKind accepts day, minute/min and adj
func ParseDataKind(s string) (DataKind, error) {
	switch s {
	case "day", "d":
		return KindDay, nil
	case "minute", "min", "1m":
		return KindMinute, nil
	case "adj", "adjustment":
		return KindAdj, nil
	}
	return "", fmt.Errorf("%w: unknown data kind %q", ErrInput, s)
}

func (k DataKind) String() string { return string(k) }

// BarsPerDay is the expected number of rows per instrument per day
func (k DataKind) BarsPerDay() int {
	if k == KindMinute {
		return MinuteBarsPerDay
	}
	return 1
}
