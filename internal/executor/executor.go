// Package executor runs download tasks on a bounded pool, commits progress per
// task and routes every failure to the error ledger.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hanzch/qds/internal/progress"
	"github.com/hanzch/qds/internal/source"
	"github.com/hanzch/qds/pkg/models"
	"github.com/sirupsen/logrus"
)

// ErrFatalStore marks store errors that stop the whole run when
// Options.FatalStoreErrors is set, such as a schema mismatch.
var ErrFatalStore = errors.New("fatal store error")

// Store appends a dataset to a table. Duplicate rows from retried tasks are
// acceptable.
type Store interface {
	Append(ctx context.Context, table string, ds *models.Dataset) error
}

// Recorder persists the failures of a run and returns the ledger handle
type Recorder interface {
	Record(ctx context.Context, source string, kind models.DataKind, records []models.ErrorRecord) (string, error)
}

// Quarantine keeps rejected payloads for manual inspection
type Quarantine interface {
	Put(task models.DownloadTask, kind models.DataKind, ds *models.Dataset) (string, error)
}

// Notifier receives run events. Errors are logged and ignored.
type Notifier interface {
	PublishSyncProgress(source string, kind models.DataKind, done, total int) error
	PublishSyncError(source string, kind models.DataKind, rec models.ErrorRecord) error
	PublishSyncComplete(summary models.SyncSummary) error
}

// Options tune failure policy
type Options struct {
	TaskTimeout      time.Duration
	CaptureTimeouts  bool
	FatalStoreErrors bool
	Now              func() time.Time
}

// Deps are the collaborators of an executor. Quarantine and Notifier are optional.
type Deps struct {
	Source     source.Source
	Store      Store
	Ledger     Recorder
	Quarantine Quarantine
	Notifier   Notifier
	Logger     *logrus.Logger
}

// Executor runs task lists. It holds no per-run state and may be reused.
type Executor struct {
	deps   Deps
	opts   Options
	logger *logrus.Entry
}

// Result is the outcome of one run
type Result struct {
	State     models.RunState
	Total     int
	Succeeded int
	Failures  []models.ErrorRecord
	TimedOut  []models.DownloadTask
	Ledger    string
}

// New creates an executor
func New(deps Deps, opts Options) *Executor {
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 15 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Executor{
		deps:   deps,
		opts:   opts,
		logger: deps.Logger.WithField("component", "executor"),
	}
}

// Run executes tasks against profile's source and kind, committing coverage to
// tracker. Cancelling ctx interrupts the run: coverage is flushed and every
// task not confirmed successful goes into a single ledger entry. The returned
// error is non-nil only when the ledger cannot be written or a fatal store
// error stopped the run; per-task failures are reported in the Result.
func (e *Executor) Run(ctx context.Context, profile models.SourceProfile, tracker *progress.Tracker, tasks []models.DownloadTask) (*Result, error) {
	r := newRun(e, profile, tracker, tasks)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.cancel = cancel

	r.start()
	r.dispatch(runCtx)
	return r.finish(ctx, runCtx.Err() != nil)
}

// classify maps an adapter error onto the failure taxonomy
func classify(err error) error {
	switch {
	case errors.Is(err, models.ErrInput), errors.Is(err, models.ErrIntegrity):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", models.ErrTaskTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", models.ErrInterrupted, err)
	default:
		return fmt.Errorf("%w: %w", models.ErrFetch, err)
	}
}
