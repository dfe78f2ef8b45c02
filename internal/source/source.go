// Package source defines the contract every upstream vendor adapter meets.
package source

import (
	"context"
	"fmt"
	"time"

	"github.com/hanzch/qds/pkg/models"
)

// Adjustment selects the price adjustment applied to bars
type Adjustment string

const (
	AdjustNone     Adjustment = ""
	AdjustForward  Adjustment = "qfq"
	AdjustBackward Adjustment = "hfq"
)

// Source is a vendor adapter. Implementations must be safe for concurrent use
// up to the Concurrency of their profiles.
type Source interface {
	Name() string
	Profile(kind models.DataKind) (models.SourceProfile, error)
	FetchBars(ctx context.Context, codes []string, start, end time.Time, kind models.DataKind, adj Adjustment) (*models.Dataset, error)
	FetchAdjustment(ctx context.Context, codes []string, start, end time.Time) (*models.Dataset, error)
	Directory(ctx context.Context) ([]models.Instrument, error)
}

// SuspensionChecker is implemented by sources that can tell whether a code
// was suspended from trading over a range, which explains an empty response.
type SuspensionChecker interface {
	Suspended(ctx context.Context, code string, start, end time.Time) (bool, error)
}

// Fetch runs the call matching kind for one task
func Fetch(ctx context.Context, src Source, kind models.DataKind, task models.DownloadTask) (*models.Dataset, error) {
	switch kind {
	case models.KindDay, models.KindMinute:
		return src.FetchBars(ctx, task.Codes, task.Start, task.End, kind, AdjustNone)
	case models.KindAdj:
		return src.FetchAdjustment(ctx, task.Codes, task.Start, task.End)
	default:
		return nil, fmt.Errorf("%w: unknown data kind %q", models.ErrInput, kind)
	}
}

// Table is the store table for a source and kind
func Table(source string, kind models.DataKind) string {
	return source + "_" + string(kind)
}
