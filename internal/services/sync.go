package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hanzch/qds/internal/executor"
	"github.com/hanzch/qds/internal/gaps"
	"github.com/hanzch/qds/internal/interval"
	"github.com/hanzch/qds/internal/ledger"
	"github.com/hanzch/qds/internal/planner"
	"github.com/hanzch/qds/internal/progress"
	"github.com/hanzch/qds/internal/source"
	"github.com/hanzch/qds/internal/symbols"
	"github.com/hanzch/qds/pkg/config"
	"github.com/hanzch/qds/pkg/models"
	"github.com/sirupsen/logrus"
)

// ErrBusy is returned when a run of the same kind is already in progress
var ErrBusy = errors.New("a run of this kind is already in progress")

// TablePreparer is implemented by stores that need a table before appending
type TablePreparer interface {
	EnsureTable(ctx context.Context, table string, kind models.DataKind) error
}

// CycleRequest selects what one cycle synchronizes. Zero Start means the
// source earliest date; zero End means today.
type CycleRequest struct {
	Kind  models.DataKind
	Codes []string
	Start time.Time
	End   time.Time
}

// SyncDeps are the collaborators of a SyncService. Quarantine and Notifier
// may be nil.
type SyncDeps struct {
	Source     source.Source
	Store      executor.Store
	Progress   progress.Store
	Ledger     *ledger.Ledger
	Symbols    *symbols.Manager
	Quarantine executor.Quarantine
	Notifier   executor.Notifier
}

// SyncService runs sync cycles and ledger replays for one source
type SyncService struct {
	deps     SyncDeps
	cfg      *config.SyncConfig
	loc      *time.Location
	analyzer *gaps.Analyzer
	executor *executor.Executor
	logger   *logrus.Entry
	now      func() time.Time

	mu      sync.Mutex
	running map[models.DataKind]bool
	last    map[models.DataKind]models.SyncSummary
}

// NewSyncService creates a new sync service
func NewSyncService(deps SyncDeps, cfg *config.SyncConfig, loc *time.Location, logger *logrus.Logger) *SyncService {
	s := &SyncService{
		deps:     deps,
		cfg:      cfg,
		loc:      loc,
		analyzer: gaps.NewAnalyzer(cfg.AnalyzerWorkers, logger),
		logger:   logger.WithField("component", "sync-service"),
		now:      time.Now,
		running:  make(map[models.DataKind]bool),
		last:     make(map[models.DataKind]models.SyncSummary),
	}
	s.executor = executor.New(executor.Deps{
		Source:     deps.Source,
		Store:      deps.Store,
		Ledger:     deps.Ledger,
		Quarantine: deps.Quarantine,
		Notifier:   deps.Notifier,
		Logger:     logger,
	}, executor.Options{
		TaskTimeout:      cfg.TaskTimeout,
		CaptureTimeouts:  cfg.CaptureTimeouts,
		FatalStoreErrors: cfg.FatalStoreErrors,
		Now:              func() time.Time { return s.now() },
	})
	return s
}

// Source returns the name of the configured source
func (s *SyncService) Source() string { return s.deps.Source.Name() }

// Ledger returns the error ledger
func (s *SyncService) Ledger() *ledger.Ledger { return s.deps.Ledger }

// RunCycle analyzes gaps for the universe, plans tasks and executes them.
// Malformed requests fail with models.ErrInput before any task is scheduled.
func (s *SyncService) RunCycle(ctx context.Context, req CycleRequest) (*models.SyncSummary, error) {
	started := time.Now()
	now := s.now().In(s.loc)

	nominal := req.End
	if nominal.IsZero() {
		nominal = now
	}
	if !req.Start.IsZero() && models.Day(nominal).Before(models.Day(req.Start)) {
		return nil, fmt.Errorf("%w: end %s before start %s", models.ErrInput,
			models.FormatDate(nominal), models.FormatDate(req.Start))
	}

	profile, err := s.deps.Source.Profile(req.Kind)
	if err != nil {
		return nil, err
	}

	if err := s.acquire(req.Kind); err != nil {
		return nil, err
	}
	defer s.release(req.Kind)

	universe, err := s.deps.Symbols.Universe(ctx, req.Codes)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve universe: %w", err)
	}

	tracker, err := progress.Open(ctx, s.deps.Progress, progress.Key(profile.Name, req.Kind))
	if err != nil {
		return nil, err
	}

	end := interval.EffectiveEnd(now, nominal, req.Kind, s.cfg.CutoffHour)
	start := time.Time{}
	if !req.Start.IsZero() {
		start = models.Day(req.Start)
	}

	found, err := s.analyzer.Analyze(ctx, gaps.Request{
		Universe: universe,
		Profile:  profile,
		Start:    start,
		End:      end,
	}, tracker)
	if err != nil {
		return nil, err
	}
	tasks := planner.Plan(found, profile)

	s.logger.WithFields(logrus.Fields{
		"source":      profile.Name,
		"kind":        req.Kind,
		"instruments": len(universe),
		"gaps":        len(found),
		"tasks":       len(tasks),
		"end":         models.FormatDate(end),
	}).Info("Cycle planned")

	summary, err := s.execute(ctx, profile, tracker, tasks)
	if summary != nil {
		summary.Gaps = len(found)
		summary.Duration = time.Since(started)
		s.complete(*summary)
	}
	return summary, err
}

// RunKinds runs one cycle per kind in order. Kinds the source does not
// support are skipped. It stops at the first interrupted cycle.
func (s *SyncService) RunKinds(ctx context.Context, kinds []models.DataKind, req CycleRequest) ([]models.SyncSummary, error) {
	var out []models.SyncSummary
	for _, kind := range kinds {
		if _, err := s.deps.Source.Profile(kind); err != nil {
			s.logger.WithField("kind", kind).WithError(err).Warn("Kind not supported by source, skipping")
			continue
		}
		r := req
		r.Kind = kind
		summary, err := s.RunCycle(ctx, r)
		if summary != nil {
			out = append(out, *summary)
		}
		if err != nil {
			return out, err
		}
		if summary.State == models.StateInterrupted {
			break
		}
	}
	return out, nil
}

// Replay re-executes the tasks of a ledger entry as they were recorded. The
// entry is removed only when the replay finishes with no failures; remaining
// failures go to a new entry.
func (s *SyncService) Replay(ctx context.Context, handle string) (*models.SyncSummary, error) {
	started := time.Now()
	name := ledger.Normalize(handle)

	src, kind, _, err := ledger.ParseHandle(name)
	if err != nil {
		return nil, err
	}
	if src != s.deps.Source.Name() {
		return nil, fmt.Errorf("%w: ledger %s belongs to source %s, not %s",
			models.ErrInput, name, src, s.deps.Source.Name())
	}
	profile, err := s.deps.Source.Profile(kind)
	if err != nil {
		return nil, err
	}

	tasks, err := s.deps.Ledger.Load(ctx, name)
	if err != nil {
		return nil, err
	}

	if err := s.acquire(kind); err != nil {
		return nil, err
	}
	defer s.release(kind)

	tracker, err := progress.Open(ctx, s.deps.Progress, progress.Key(profile.Name, kind))
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{"ledger": name, "tasks": len(tasks)}).Info("Replaying ledger entry")

	summary, err := s.execute(ctx, profile, tracker, tasks)
	if summary == nil {
		return nil, err
	}
	summary.Replayed = name
	summary.Duration = time.Since(started)

	if err == nil && summary.Failed == 0 && summary.TimedOut == 0 {
		if rerr := s.deps.Ledger.Remove(context.WithoutCancel(ctx), name); rerr != nil {
			err = rerr
		} else {
			s.logger.WithField("ledger", name).Info("Ledger entry cleared")
		}
	}
	s.complete(*summary)
	return summary, err
}

// LastSummaries returns the latest summary of every kind that has run
func (s *SyncService) LastSummaries() []models.SyncSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.SyncSummary
	for _, kind := range models.AllKinds {
		if sum, ok := s.last[kind]; ok {
			out = append(out, sum)
		}
	}
	return out
}

// Running reports whether a run of kind is in progress
func (s *SyncService) Running(kind models.DataKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[kind]
}

// Progress returns the stored coverage of kind
func (s *SyncService) Progress(ctx context.Context, kind models.DataKind) (models.ProgressMap, error) {
	return s.deps.Progress.Load(ctx, progress.Key(s.deps.Source.Name(), kind))
}

// ProgressKeys lists the stored coverage keys when the backend supports it
func (s *SyncService) ProgressKeys(ctx context.Context) ([]string, error) {
	admin, ok := s.deps.Progress.(progress.Admin)
	if !ok {
		return nil, fmt.Errorf("%w: progress backend cannot list keys", models.ErrInput)
	}
	return admin.Keys(ctx)
}

// ResetProgress drops the stored coverage of kind so the next cycle starts
// from the earliest date
func (s *SyncService) ResetProgress(ctx context.Context, kind models.DataKind) error {
	admin, ok := s.deps.Progress.(progress.Admin)
	if !ok {
		return fmt.Errorf("%w: progress backend cannot delete keys", models.ErrInput)
	}
	if err := s.acquire(kind); err != nil {
		return err
	}
	defer s.release(kind)

	key := progress.Key(s.deps.Source.Name(), kind)
	if err := admin.Delete(ctx, key); err != nil {
		return err
	}
	s.logger.WithField("key", key).Warn("Coverage reset")
	return nil
}

func (s *SyncService) execute(ctx context.Context, profile models.SourceProfile, tracker *progress.Tracker, tasks []models.DownloadTask) (*models.SyncSummary, error) {
	if p, ok := s.deps.Store.(TablePreparer); ok && len(tasks) > 0 {
		if err := p.EnsureTable(ctx, profile.Table, profile.Kind); err != nil {
			return nil, err
		}
	}

	res, err := s.executor.Run(ctx, profile, tracker, tasks)
	if res == nil {
		return nil, err
	}
	return &models.SyncSummary{
		RunID:     uuid.NewString(),
		Source:    profile.Name,
		Kind:      profile.Kind,
		State:     res.State,
		Planned:   res.Total,
		Succeeded: res.Succeeded,
		Failed:    len(res.Failures),
		TimedOut:  len(res.TimedOut),
		Ledger:    res.Ledger,
	}, err
}

func (s *SyncService) complete(summary models.SyncSummary) {
	s.mu.Lock()
	s.last[summary.Kind] = summary
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"run_id":    summary.RunID,
		"kind":      summary.Kind,
		"state":     summary.State,
		"planned":   summary.Planned,
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
		"ledger":    summary.Ledger,
	}).Info("Sync finished")

	if s.deps.Notifier == nil {
		return
	}
	if err := s.deps.Notifier.PublishSyncComplete(summary); err != nil {
		s.logger.WithError(err).Debug("Failed to publish sync summary")
	}
}

func (s *SyncService) acquire(kind models.DataKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[kind] {
		return fmt.Errorf("%w: %s", ErrBusy, kind)
	}
	s.running[kind] = true
	return nil
}

func (s *SyncService) release(kind models.DataKind) {
	s.mu.Lock()
	delete(s.running, kind)
	s.mu.Unlock()
}
