// Package planner turns gaps into download tasks sized to a source's row budget.
package planner

import (
	"sort"
	"time"

	"github.com/hanzch/qds/internal/interval"
	"github.com/hanzch/qds/pkg/models"
)

type group struct {
	r     models.DateRange
	codes []string
}

// Plan groups gaps by identical range. A group is sent as multi-code batches
// when the source allows it and one code's rows leave room in the budget;
// otherwise each code gets its own tasks, date-chunked by the row budget.
func Plan(gaps []models.Gap, profile models.SourceProfile) []models.DownloadTask {
	groups := groupByRange(gaps)

	var tasks []models.DownloadTask
	for _, g := range groups {
		if profile.MultiCode && interval.Paging(g.r, profile.Kind, profile.RowLimit) > 1 {
			tasks = append(tasks, batch(g, profile)...)
			continue
		}
		span := interval.ChunkSpan(profile.Kind, profile.RowLimit)
		for _, code := range g.codes {
			tasks = append(tasks, chunk(code, g.r, span)...)
		}
	}
	return tasks
}

func groupByRange(gaps []models.Gap) []*group {
	type key struct{ start, end time.Time }
	index := make(map[key]*group)
	var groups []*group
	for _, gap := range gaps {
		k := key{gap.Start, gap.End}
		g, ok := index[k]
		if !ok {
			g = &group{r: gap.Range()}
			index[k] = g
			groups = append(groups, g)
		}
		g.codes = append(g.codes, gap.Code)
	}
	sort.SliceStable(groups, func(i, j int) bool {
		if !groups[i].r.Start.Equal(groups[j].r.Start) {
			return groups[i].r.Start.Before(groups[j].r.Start)
		}
		return groups[i].r.End.Before(groups[j].r.End)
	})
	return groups
}

func batch(g *group, profile models.SourceProfile) []models.DownloadTask {
	size := interval.Capacity(g.r, profile.Kind, profile.RowLimit)
	if profile.MaxBatch > 0 && size > profile.MaxBatch {
		size = profile.MaxBatch
	}
	var tasks []models.DownloadTask
	for i := 0; i < len(g.codes); i += size {
		j := i + size
		if j > len(g.codes) {
			j = len(g.codes)
		}
		codes := make([]string, j-i)
		copy(codes, g.codes[i:j])
		tasks = append(tasks, models.DownloadTask{Codes: codes, Start: g.r.Start, End: g.r.End})
	}
	return tasks
}

// chunk splits r into consecutive, non-overlapping pieces of at most span days
func chunk(code string, r models.DateRange, span int) []models.DownloadTask {
	var tasks []models.DownloadTask
	for s := r.Start; !s.After(r.End); {
		e := models.MinDate(models.AddDays(s, span-1), r.End)
		tasks = append(tasks, models.DownloadTask{Codes: []string{code}, Start: s, End: e})
		s = models.AddDays(e, 1)
	}
	return tasks
}
