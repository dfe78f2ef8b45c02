package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hanzch/qds/internal/progress"
	"github.com/hanzch/qds/internal/source"
	"github.com/hanzch/qds/pkg/logger"
	"github.com/hanzch/qds/pkg/models"
	"github.com/sirupsen/logrus"
)

type taskState int

const (
	taskPending taskState = iota
	taskRunning
	taskSucceeded
	taskFailed
	taskTimedOut
	taskInterrupted
)

var errAbandoned = errors.New("task abandoned before commit")

// run is the state of one Run call. mu guards task states, the run state and
// every coverage commit, so an abandoned task can never commit.
type run struct {
	e       *Executor
	profile models.SourceProfile
	tracker *progress.Tracker
	tasks   []models.DownloadTask

	mu     sync.Mutex
	state  models.RunState
	states []taskState
	errs   []error
	done   int
	fatal  error
	cancel context.CancelFunc

	started time.Time
}

func newRun(e *Executor, profile models.SourceProfile, tracker *progress.Tracker, tasks []models.DownloadTask) *run {
	return &run{
		e:       e,
		profile: profile,
		tracker: tracker,
		tasks:   tasks,
		state:   models.StateIdle,
		states:  make([]taskState, len(tasks)),
		errs:    make([]error, len(tasks)),
	}
}

func (r *run) log() *logrus.Entry {
	return r.e.logger.WithFields(logrus.Fields{
		"source": r.profile.Name,
		"kind":   r.profile.Kind,
	})
}

func (r *run) start() {
	r.mu.Lock()
	r.state = models.StateRunning
	r.started = time.Now()
	r.mu.Unlock()

	r.log().WithFields(logrus.Fields{
		"tasks":       len(r.tasks),
		"concurrency": r.workers(),
	}).Info("Run started")
}

func (r *run) workers() int {
	n := r.profile.Concurrency
	if n < 1 {
		n = 1
	}
	if n > len(r.tasks) && len(r.tasks) > 0 {
		n = len(r.tasks)
	}
	return n
}

// dispatch feeds task indexes to the worker pool until all are handed out or
// the run is cancelled, then waits for the workers.
func (r *run) dispatch(ctx context.Context) {
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < r.workers(); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				r.execute(ctx, i)
			}
		}()
	}

feed:
	for i := range r.tasks {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()
}

// execute runs one task under its own timeout. The work happens in a separate
// goroutine so a stuck adapter call cannot hold the worker past the deadline.
func (r *run) execute(runCtx context.Context, i int) {
	if !r.transition(i, taskPending, taskRunning, nil) {
		return
	}
	if runCtx.Err() != nil {
		r.transition(i, taskRunning, taskInterrupted, models.ErrInterrupted)
		return
	}

	tctx, cancel := context.WithTimeout(runCtx, r.e.opts.TaskTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- r.process(tctx, i) }()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, errAbandoned) {
			r.settle(runCtx, tctx, i, err)
		}
	case <-tctx.Done():
		r.settle(runCtx, tctx, i, nil)
	}
}

// settle records why a running task did not commit
func (r *run) settle(runCtx, tctx context.Context, i int, err error) {
	switch {
	case runCtx.Err() != nil:
		r.transition(i, taskRunning, taskInterrupted, models.ErrInterrupted)
	case tctx.Err() != nil:
		r.transition(i, taskRunning, taskTimedOut,
			fmt.Errorf("%w: exceeded %s", models.ErrTaskTimeout, r.e.opts.TaskTimeout))
	default:
		r.transition(i, taskRunning, taskFailed, err)
	}
}

// process fetches, validates, stores and commits one task
func (r *run) process(ctx context.Context, i int) error {
	task := r.tasks[i]
	kind := r.profile.Kind

	ds, err := source.Fetch(ctx, r.e.deps.Source, kind, task)
	if err != nil {
		return classify(err)
	}

	if ds.Len() == 0 {
		suspended, err := r.suspended(ctx, task)
		if err != nil {
			return classify(err)
		}
		if !suspended {
			return fmt.Errorf("%w: no rows returned", models.ErrFetch)
		}
		logger.WithTask(r.log(), task).Info("No rows for suspended instruments, marking covered")
		return r.commit(ctx, i, task.End)
	}

	observed, err := r.validate(task, ds)
	if err != nil {
		if r.e.deps.Quarantine != nil {
			path, qerr := r.e.deps.Quarantine.Put(task, kind, ds)
			if qerr != nil {
				logger.WithTask(r.log(), task).WithError(qerr).Error("Failed to quarantine dirty data")
			} else {
				logger.WithTask(r.log(), task).WithField("file", path).Warn("Dirty data quarantined")
			}
		}
		return err
	}

	if err := r.e.deps.Store.Append(ctx, r.profile.Table, ds); err != nil {
		if r.e.opts.FatalStoreErrors && errors.Is(err, ErrFatalStore) {
			r.abort(err)
		}
		return fmt.Errorf("%w: %w", models.ErrPersistence, err)
	}
	return r.commit(ctx, i, observed)
}

func (r *run) suspended(ctx context.Context, task models.DownloadTask) (bool, error) {
	checker, ok := r.e.deps.Source.(source.SuspensionChecker)
	if !ok {
		return false, nil
	}
	for _, code := range task.Codes {
		s, err := checker.Suspended(ctx, code, task.Start, task.End)
		if err != nil || !s {
			return false, err
		}
	}
	return true, nil
}

// validate rejects rows dated outside the task range or after now and returns
// the coverage end the rows prove
func (r *run) validate(task models.DownloadTask, ds *models.Dataset) (time.Time, error) {
	lo, hi, _ := ds.Span()
	loDay, hiDay := models.Day(lo), models.Day(hi)
	switch {
	case loDay.Before(task.Start):
		return time.Time{}, fmt.Errorf("%w: row dated %s before task start %s",
			models.ErrIntegrity, models.FormatDate(loDay), models.FormatDate(task.Start))
	case hiDay.After(task.End):
		return time.Time{}, fmt.Errorf("%w: row dated %s after task end %s",
			models.ErrIntegrity, models.FormatDate(hiDay), models.FormatDate(task.End))
	case hi.After(r.e.opts.Now()):
		return time.Time{}, fmt.Errorf("%w: row dated %s is in the future",
			models.ErrIntegrity, hi.Format(time.RFC3339))
	}
	if r.profile.Kind == models.KindMinute {
		return models.AddDays(hiDay, 1), nil
	}
	return hiDay, nil
}

// commit marks task i succeeded and widens coverage of its codes to
// [task.Start, end], flushing the map while the run lock is held.
func (r *run) commit(ctx context.Context, i int, end time.Time) error {
	task := r.tasks[i]

	r.mu.Lock()
	if r.states[i] != taskRunning {
		r.mu.Unlock()
		logger.WithTask(r.log(), task).Warn("Task finished after being abandoned, coverage not updated")
		return errAbandoned
	}
	r.states[i] = taskSucceeded
	r.done++
	done := r.done
	err := r.tracker.Commit(context.WithoutCancel(ctx), task.Codes, task.Start, end)
	r.mu.Unlock()

	if err != nil {
		logger.WithTask(r.log(), task).WithError(err).Error("Failed to flush progress")
	}
	logger.WithTask(r.log(), task).WithField("covered_to", models.FormatDate(end)).Debug("Task committed")
	r.notifyProgress(done)
	return nil
}

// transition moves task i from one state to another, reporting whether it did
func (r *run) transition(i int, from, to taskState, err error) bool {
	r.mu.Lock()
	if r.states[i] != from {
		r.mu.Unlock()
		return false
	}
	r.states[i] = to
	r.errs[i] = err
	terminal := to != taskRunning
	if terminal {
		r.done++
	}
	done := r.done
	r.mu.Unlock()

	if !terminal {
		return true
	}

	entry := logger.WithTask(r.log(), r.tasks[i]).WithError(err)
	switch to {
	case taskTimedOut:
		entry.Warn("Task timed out, abandoned")
	case taskInterrupted:
		entry.Debug("Task interrupted")
	default:
		entry.WithField("failure", models.FailureKind(err)).Error("Task failed")
	}
	if to == taskFailed || to == taskTimedOut {
		r.notifyError(models.NewErrorRecord(r.tasks[i], err))
	}
	r.notifyProgress(done)
	return true
}

func (r *run) abort(err error) {
	r.mu.Lock()
	if r.fatal == nil {
		r.fatal = err
	}
	r.mu.Unlock()
	r.log().WithError(err).Error("Fatal store error, interrupting run")
	r.cancel()
}

// finish settles every task, persists coverage and the ledger entry
func (r *run) finish(ctx context.Context, interrupted bool) (*Result, error) {
	res := &Result{Total: len(r.tasks)}

	r.mu.Lock()
	for i, st := range r.states {
		task := r.tasks[i]
		switch st {
		case taskSucceeded:
			res.Succeeded++
		case taskFailed:
			res.Failures = append(res.Failures, models.NewErrorRecord(task, r.errs[i]))
		case taskTimedOut:
			res.TimedOut = append(res.TimedOut, task)
			if interrupted || r.e.opts.CaptureTimeouts || r.bridged(task) {
				res.Failures = append(res.Failures, models.NewErrorRecord(task, r.errs[i]))
			}
		default:
			// pending, running or interrupted: never confirmed
			r.states[i] = taskInterrupted
			res.Failures = append(res.Failures, models.NewErrorRecord(task, models.ErrInterrupted))
		}
	}
	if interrupted {
		r.state = models.StateInterrupted
	} else {
		r.state = models.StateCompleted
	}
	res.State = r.state
	fatal := r.fatal
	r.mu.Unlock()

	persistCtx := context.WithoutCancel(ctx)
	if interrupted {
		if err := r.tracker.Flush(persistCtx); err != nil {
			r.log().WithError(err).Error("Failed to persist progress on interrupt")
		}
	}

	handle, err := r.e.deps.Ledger.Record(persistCtx, r.profile.Name, r.profile.Kind, res.Failures)
	if err != nil {
		return res, fmt.Errorf("failed to record %d failed tasks: %w", len(res.Failures), err)
	}
	res.Ledger = handle

	entry := r.log().WithFields(logrus.Fields{
		"state":     res.State,
		"total":     res.Total,
		"succeeded": res.Succeeded,
		"failed":    len(res.Failures),
		"timed_out": len(res.TimedOut),
		"duration":  time.Since(r.started).Round(time.Millisecond),
	})
	if handle != "" {
		entry.WithField("ledger", handle).Warn("Run finished with failures")
	} else {
		entry.Info("Run finished")
	}

	if fatal != nil {
		return res, fmt.Errorf("run stopped: %w", fatal)
	}
	return res, nil
}

// bridged reports whether coverage of any code of task now spans the whole
// task range. Gap analysis would never find such a task again.
func (r *run) bridged(task models.DownloadTask) bool {
	for _, code := range task.Codes {
		rec := r.tracker.Lookup(code)
		if rec.IsZero() {
			continue
		}
		if !rec.Start.After(task.Start) && rec.End.After(task.End) {
			return true
		}
	}
	return false
}

func (r *run) notifyProgress(done int) {
	n := r.e.deps.Notifier
	if n == nil {
		return
	}
	if err := n.PublishSyncProgress(r.profile.Name, r.profile.Kind, done, len(r.tasks)); err != nil {
		r.log().WithError(err).Debug("Failed to publish progress")
	}
}

func (r *run) notifyError(rec models.ErrorRecord) {
	n := r.e.deps.Notifier
	if n == nil {
		return
	}
	if err := n.PublishSyncError(r.profile.Name, r.profile.Kind, rec); err != nil {
		r.log().WithError(err).Debug("Failed to publish task error")
	}
}
