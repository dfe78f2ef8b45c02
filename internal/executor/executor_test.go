package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hanzch/qds/internal/ledger"
	"github.com/hanzch/qds/internal/progress"
	"github.com/hanzch/qds/internal/source"
	"github.com/hanzch/qds/pkg/logger"
	"github.com/hanzch/qds/pkg/models"
)

type fetchFunc func(ctx context.Context, codes []string, start, end time.Time) (*models.Dataset, error)

type fakeSource struct {
	kind        models.DataKind
	fetch       fetchFunc
	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func (s *fakeSource) Name() string { return "fake" }

func (s *fakeSource) Profile(kind models.DataKind) (models.SourceProfile, error) {
	return models.SourceProfile{Name: "fake", Kind: kind, RowLimit: 100, Concurrency: 2, Table: "fake_" + string(kind)}, nil
}

func (s *fakeSource) call(ctx context.Context, codes []string, start, end time.Time) (*models.Dataset, error) {
	n := s.inflight.Add(1)
	defer s.inflight.Add(-1)
	for {
		m := s.maxInflight.Load()
		if n <= m || s.maxInflight.CompareAndSwap(m, n) {
			break
		}
	}
	return s.fetch(ctx, codes, start, end)
}

func (s *fakeSource) FetchBars(ctx context.Context, codes []string, start, end time.Time, kind models.DataKind, adj source.Adjustment) (*models.Dataset, error) {
	return s.call(ctx, codes, start, end)
}

func (s *fakeSource) FetchAdjustment(ctx context.Context, codes []string, start, end time.Time) (*models.Dataset, error) {
	return s.call(ctx, codes, start, end)
}

func (s *fakeSource) Directory(ctx context.Context) ([]models.Instrument, error) { return nil, nil }

type suspendingSource struct {
	*fakeSource
	suspended map[string]bool
}

func (s *suspendingSource) Suspended(ctx context.Context, code string, start, end time.Time) (bool, error) {
	return s.suspended[code], nil
}

type fakeStore struct {
	mu    sync.Mutex
	rows  int
	fail  func(ds *models.Dataset) error
	calls int
}

func (s *fakeStore) Append(ctx context.Context, table string, ds *models.Dataset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail != nil {
		if err := s.fail(ds); err != nil {
			return err
		}
	}
	s.rows += ds.Len()
	return nil
}

type countingNotifier struct {
	progress atomic.Int32
	errors   atomic.Int32
}

func (n *countingNotifier) PublishSyncProgress(string, models.DataKind, int, int) error {
	n.progress.Add(1)
	return nil
}

func (n *countingNotifier) PublishSyncError(string, models.DataKind, models.ErrorRecord) error {
	n.errors.Add(1)
	return nil
}

func (n *countingNotifier) PublishSyncComplete(models.SyncSummary) error { return nil }

// dailyBars returns one bar per code per day in [start, end]
func dailyBars(codes []string, start, end time.Time) *models.Dataset {
	ds := &models.Dataset{Kind: models.KindDay}
	for _, code := range codes {
		for d := start; !d.After(end); d = models.AddDays(d, 1) {
			ds.Bars = append(ds.Bars, models.Bar{Code: code, Timestamp: d, Close: 1})
		}
	}
	return ds
}

func okFetch(ctx context.Context, codes []string, start, end time.Time) (*models.Dataset, error) {
	return dailyBars(codes, start, end), nil
}

type harness struct {
	src        source.Source
	store      *fakeStore
	ledger     *ledger.Ledger
	progress   *progress.FileStore
	quarantine string
	notifier   *countingNotifier
	opts       Options
}

func newHarness(t *testing.T, src source.Source) *harness {
	t.Helper()
	dir := t.TempDir()
	l, err := ledger.New(dir + "/err_ls")
	if err != nil {
		t.Fatal(err)
	}
	ps, err := progress.NewFileStore(dir + "/progress")
	if err != nil {
		t.Fatal(err)
	}
	return &harness{
		src:        src,
		store:      &fakeStore{},
		ledger:     l,
		progress:   ps,
		quarantine: dir + "/dirty",
		notifier:   &countingNotifier{},
		opts: Options{
			TaskTimeout:     5 * time.Second,
			CaptureTimeouts: true,
			Now:             func() time.Time { return time.Date(2024, 6, 1, 18, 0, 0, 0, time.UTC) },
		},
	}
}

func (h *harness) run(t *testing.T, ctx context.Context, kind models.DataKind, tasks []models.DownloadTask) (*Result, error) {
	t.Helper()
	q, err := NewFileQuarantine(h.quarantine)
	if err != nil {
		t.Fatal(err)
	}
	profile, _ := h.src.Profile(kind)
	tracker, err := progress.Open(ctx, h.progress, progress.Key(profile.Name, kind))
	if err != nil {
		t.Fatal(err)
	}
	e := New(Deps{
		Source:     h.src,
		Store:      h.store,
		Ledger:     h.ledger,
		Quarantine: q,
		Notifier:   h.notifier,
		Logger:     logger.Discard(),
	}, h.opts)
	return e.Run(ctx, profile, tracker, tasks)
}

func (h *harness) saved(t *testing.T, kind models.DataKind) models.ProgressMap {
	t.Helper()
	m, err := h.progress.Load(context.Background(), progress.Key("fake", kind))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func singleCodeTasks(n int) []models.DownloadTask {
	tasks := make([]models.DownloadTask, n)
	for i := range tasks {
		tasks[i] = models.DownloadTask{
			Codes: []string{fmt.Sprintf("C%02d", i)},
			Start: models.MustDate("20240101"),
			End:   models.MustDate("20240110"),
		}
	}
	return tasks
}

func TestRunIsolation(t *testing.T) {
	const n, k = 10, 6
	src := &fakeSource{fetch: func(ctx context.Context, codes []string, start, end time.Time) (*models.Dataset, error) {
		if codes[0] == fmt.Sprintf("C%02d", k) {
			return nil, errors.New("vendor 500")
		}
		return dailyBars(codes, start, end), nil
	}}
	h := newHarness(t, src)

	res, err := h.run(t, context.Background(), models.KindDay, singleCodeTasks(n))
	if err != nil {
		t.Fatal(err)
	}
	if res.State != models.StateCompleted || res.Succeeded != n-1 || len(res.Failures) != 1 {
		t.Fatalf("result = %+v", res)
	}
	if res.Failures[0].Kind != "fetch" {
		t.Errorf("failure kind = %q", res.Failures[0].Kind)
	}

	saved := h.saved(t, models.KindDay)
	if len(saved) != n-1 {
		t.Errorf("saved coverage for %d codes, want %d", len(saved), n-1)
	}
	if _, ok := saved[fmt.Sprintf("C%02d", k)]; ok {
		t.Error("failed code has coverage")
	}
	for code, rec := range saved {
		if models.FormatDate(rec.Start) != "20240101" || models.FormatDate(rec.End) != "20240110" {
			t.Errorf("%s coverage = %s-%s", code, models.FormatDate(rec.Start), models.FormatDate(rec.End))
		}
	}

	tasks, err := h.ledger.Load(context.Background(), res.Ledger)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].Codes[0] != fmt.Sprintf("C%02d", k) {
		t.Errorf("ledger = %v", tasks)
	}
	if got := h.notifier.errors.Load(); got != 1 {
		t.Errorf("error events = %d, want 1", got)
	}
	if got := h.notifier.progress.Load(); got != n {
		t.Errorf("progress events = %d, want %d", got, n)
	}
}

func TestRunAllSucceedLeavesNoLedger(t *testing.T) {
	h := newHarness(t, &fakeSource{fetch: okFetch})
	res, err := h.run(t, context.Background(), models.KindDay, singleCodeTasks(5))
	if err != nil {
		t.Fatal(err)
	}
	if res.Ledger != "" || len(res.Failures) != 0 || res.Succeeded != 5 {
		t.Errorf("result = %+v", res)
	}
	entries, _ := h.ledger.List(context.Background())
	if len(entries) != 0 {
		t.Errorf("ledger entries = %v", entries)
	}
}

func TestRunBoundsConcurrency(t *testing.T) {
	src := &fakeSource{fetch: func(ctx context.Context, codes []string, start, end time.Time) (*models.Dataset, error) {
		time.Sleep(5 * time.Millisecond)
		return dailyBars(codes, start, end), nil
	}}
	h := newHarness(t, src)
	if _, err := h.run(t, context.Background(), models.KindDay, singleCodeTasks(20)); err != nil {
		t.Fatal(err)
	}
	if got := src.maxInflight.Load(); got > 2 {
		t.Errorf("max in flight = %d, want <= 2", got)
	}
}

func TestRunEmptyResponse(t *testing.T) {
	empty := func(ctx context.Context, codes []string, start, end time.Time) (*models.Dataset, error) {
		return &models.Dataset{Kind: models.KindDay}, nil
	}

	t.Run("fetch failure", func(t *testing.T) {
		h := newHarness(t, &fakeSource{fetch: empty})
		res, err := h.run(t, context.Background(), models.KindDay, singleCodeTasks(1))
		if err != nil {
			t.Fatal(err)
		}
		if len(res.Failures) != 1 || res.Failures[0].Kind != "fetch" {
			t.Errorf("failures = %+v", res.Failures)
		}
	})

	t.Run("suspended counts as covered", func(t *testing.T) {
		src := &suspendingSource{fakeSource: &fakeSource{fetch: empty}, suspended: map[string]bool{"C00": true}}
		h := newHarness(t, src)
		res, err := h.run(t, context.Background(), models.KindDay, singleCodeTasks(2))
		if err != nil {
			t.Fatal(err)
		}
		if res.Succeeded != 1 || len(res.Failures) != 1 || res.Failures[0].Task.Codes[0] != "C01" {
			t.Errorf("result = %+v", res)
		}
		if rec := h.saved(t, models.KindDay)["C00"]; models.FormatDate(rec.End) != "20240110" {
			t.Errorf("C00 coverage end = %s, want 20240110", models.FormatDate(rec.End))
		}
		if h.store.calls != 0 {
			t.Errorf("store calls = %d, want 0", h.store.calls)
		}
	})
}

func TestRunDirtyData(t *testing.T) {
	tests := []struct {
		name  string
		shift func(start, end time.Time) time.Time
	}{
		{"before start", func(start, end time.Time) time.Time { return models.AddDays(start, -1) }},
		{"after end", func(start, end time.Time) time.Time { return models.AddDays(end, 1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeSource{fetch: func(ctx context.Context, codes []string, start, end time.Time) (*models.Dataset, error) {
				ds := dailyBars(codes, start, end)
				ds.Bars = append(ds.Bars, models.Bar{Code: codes[0], Timestamp: tt.shift(start, end)})
				return ds, nil
			}}
			h := newHarness(t, src)
			res, err := h.run(t, context.Background(), models.KindDay, singleCodeTasks(1))
			if err != nil {
				t.Fatal(err)
			}
			if len(res.Failures) != 1 || res.Failures[0].Kind != "integrity" {
				t.Fatalf("failures = %+v", res.Failures)
			}
			if h.store.calls != 0 {
				t.Errorf("dirty data reached the store")
			}
			if len(h.saved(t, models.KindDay)) != 0 {
				t.Error("dirty task updated coverage")
			}
			files, _ := os.ReadDir(h.quarantine)
			if len(files) != 1 {
				t.Errorf("quarantine files = %d, want 1", len(files))
			}
		})
	}

	t.Run("future rows", func(t *testing.T) {
		h := newHarness(t, &fakeSource{fetch: okFetch})
		h.opts.Now = func() time.Time { return time.Date(2024, 1, 5, 12, 0, 0, 0, time.UTC) }
		res, err := h.run(t, context.Background(), models.KindDay, singleCodeTasks(1))
		if err != nil {
			t.Fatal(err)
		}
		if len(res.Failures) != 1 || res.Failures[0].Kind != "integrity" {
			t.Errorf("failures = %+v", res.Failures)
		}
	})
}

func TestRunPersistenceFailure(t *testing.T) {
	h := newHarness(t, &fakeSource{fetch: okFetch})
	h.store.fail = func(ds *models.Dataset) error {
		if ds.Bars[0].Code == "C02" {
			return errors.New("write timeout")
		}
		return nil
	}
	res, err := h.run(t, context.Background(), models.KindDay, singleCodeTasks(4))
	if err != nil {
		t.Fatal(err)
	}
	if res.Succeeded != 3 || len(res.Failures) != 1 || res.Failures[0].Kind != "persistence" {
		t.Errorf("result = %+v", res)
	}
}

func TestRunFatalStoreError(t *testing.T) {
	h := newHarness(t, &fakeSource{fetch: okFetch})
	h.opts.FatalStoreErrors = true
	h.store.fail = func(ds *models.Dataset) error {
		return fmt.Errorf("column missing: %w", ErrFatalStore)
	}
	tasks := singleCodeTasks(6)
	res, err := h.run(t, context.Background(), models.KindDay, tasks)
	if !errors.Is(err, ErrFatalStore) {
		t.Fatalf("Run() error = %v, want ErrFatalStore", err)
	}
	if res.State != models.StateInterrupted || len(res.Failures) != len(tasks) {
		t.Errorf("result = %+v", res)
	}
}

func TestRunTimeout(t *testing.T) {
	hang := func(ctx context.Context, codes []string, start, end time.Time) (*models.Dataset, error) {
		if codes[0] == "C01" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return dailyBars(codes, start, end), nil
	}

	for _, capture := range []bool{true, false} {
		t.Run(fmt.Sprintf("capture=%v", capture), func(t *testing.T) {
			h := newHarness(t, &fakeSource{fetch: hang})
			h.opts.TaskTimeout = 50 * time.Millisecond
			h.opts.CaptureTimeouts = capture

			res, err := h.run(t, context.Background(), models.KindDay, singleCodeTasks(3))
			if err != nil {
				t.Fatal(err)
			}
			if res.State != models.StateCompleted || res.Succeeded != 2 || len(res.TimedOut) != 1 {
				t.Fatalf("result = %+v", res)
			}
			if capture && (len(res.Failures) != 1 || res.Failures[0].Kind != "timeout") {
				t.Errorf("failures = %+v, want the timed out task", res.Failures)
			}
			if !capture && (len(res.Failures) != 0 || res.Ledger != "") {
				t.Errorf("failures = %+v, want none", res.Failures)
			}
			if _, ok := h.saved(t, models.KindDay)["C01"]; ok {
				t.Error("timed out task has coverage")
			}
		})
	}
}

// A timed out chunk between two committed chunks of the same code is hidden
// from the next gap analysis, so it goes to the ledger even without capture.
func TestRunTimeoutInsideCoverage(t *testing.T) {
	middle := models.MustDate("20240111")
	hang := func(ctx context.Context, codes []string, start, end time.Time) (*models.Dataset, error) {
		if start.Equal(middle) {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return dailyBars(codes, start, end), nil
	}
	chunks := []models.DownloadTask{
		{Codes: []string{"A"}, Start: models.MustDate("20240101"), End: models.MustDate("20240110")},
		{Codes: []string{"A"}, Start: middle, End: models.MustDate("20240120")},
		{Codes: []string{"A"}, Start: models.MustDate("20240121"), End: models.MustDate("20240130")},
	}

	tests := []struct {
		name     string
		tasks    []models.DownloadTask
		ledgered bool
	}{
		{"middle chunk", chunks, true},
		{"trailing chunk", chunks[:2], false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, &fakeSource{fetch: hang})
			h.opts.TaskTimeout = 50 * time.Millisecond
			h.opts.CaptureTimeouts = false

			res, err := h.run(t, context.Background(), models.KindDay, tt.tasks)
			if err != nil {
				t.Fatal(err)
			}
			if len(res.TimedOut) != 1 {
				t.Fatalf("timed out = %d, want 1", len(res.TimedOut))
			}
			if !tt.ledgered {
				if res.Ledger != "" || len(res.Failures) != 0 {
					t.Errorf("ledger = %q failures = %+v, want none", res.Ledger, res.Failures)
				}
				return
			}
			if res.Ledger == "" || len(res.Failures) != 1 {
				t.Fatalf("ledger = %q failures = %+v, want the middle chunk", res.Ledger, res.Failures)
			}
			got, err := h.ledger.Load(context.Background(), res.Ledger)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 1 || !got[0].Start.Equal(middle) {
				t.Errorf("ledger tasks = %v", got)
			}
		})
	}
}

func TestRunMinuteCoverageEnd(t *testing.T) {
	src := &fakeSource{fetch: func(ctx context.Context, codes []string, start, end time.Time) (*models.Dataset, error) {
		return &models.Dataset{Kind: models.KindMinute, Bars: []models.Bar{
			{Code: codes[0], Timestamp: time.Date(2024, 1, 9, 9, 31, 0, 0, time.UTC)},
			{Code: codes[0], Timestamp: time.Date(2024, 1, 10, 15, 0, 0, 0, time.UTC)},
		}}, nil
	}}
	h := newHarness(t, src)
	task := models.DownloadTask{Codes: []string{"A"}, Start: models.MustDate("20240109"), End: models.MustDate("20240111")}
	if _, err := h.run(t, context.Background(), models.KindMinute, []models.DownloadTask{task}); err != nil {
		t.Fatal(err)
	}
	if rec := h.saved(t, models.KindMinute)["A"]; models.FormatDate(rec.End) != "20240111" {
		t.Errorf("coverage end = %s, want 20240111", models.FormatDate(rec.End))
	}
}

// Cancel mid-run: coverage holds only committed tasks and the ledger holds
// every other task exactly once.
func TestRunInterrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var served atomic.Int32
	src := &fakeSource{fetch: func(fctx context.Context, codes []string, start, end time.Time) (*models.Dataset, error) {
		if served.Add(1) > 5 {
			cancel()
			<-fctx.Done()
			return nil, fctx.Err()
		}
		return dailyBars(codes, start, end), nil
	}}
	h := newHarness(t, src)
	tasks := singleCodeTasks(20)

	res, err := h.run(t, ctx, models.KindDay, tasks)
	if err != nil {
		t.Fatal(err)
	}
	if res.State != models.StateInterrupted {
		t.Fatalf("state = %s, want interrupted", res.State)
	}
	if res.Succeeded > 5 {
		t.Errorf("succeeded = %d, want <= 5", res.Succeeded)
	}

	saved := h.saved(t, models.KindDay)
	if len(saved) != res.Succeeded {
		t.Errorf("saved coverage for %d codes, result says %d succeeded", len(saved), res.Succeeded)
	}

	pending, err := h.ledger.Load(context.Background(), res.Ledger)
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]int{}
	for _, task := range pending {
		seen[task.Codes[0]]++
	}
	var missing []string
	for _, task := range tasks {
		code := task.Codes[0]
		_, committed := saved[code]
		switch {
		case committed && seen[code] != 0:
			t.Errorf("%s is both committed and in the ledger", code)
		case !committed && seen[code] != 1:
			missing = append(missing, fmt.Sprintf("%s x%d", code, seen[code]))
		}
	}
	sort.Strings(missing)
	if len(missing) > 0 {
		t.Errorf("uncommitted tasks not in ledger exactly once: %v", missing)
	}
	if len(pending)+res.Succeeded != len(tasks) {
		t.Errorf("ledger %d + succeeded %d != %d tasks", len(pending), res.Succeeded, len(tasks))
	}
}
