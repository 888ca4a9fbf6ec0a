package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/scarson/jobrunner/internal/executor"
	"github.com/scarson/jobrunner/internal/metrics"
	"github.com/scarson/jobrunner/internal/store"
)

// Runner fetches, executes and records jobs one at a time. A Runner must
// not be used by more than one goroutine at once.
type Runner struct {
	store *store.Store
	exec  *executor.Executor
	rec   *Recorder
	log   *slog.Logger
	state atomic.Int32
}

// NewRunner creates a Runner. log is used for all runner output; nil means
// slog.Default().
func NewRunner(st *store.Store, exec *executor.Executor, rec *Recorder, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{store: st, exec: exec, rec: rec, log: log}
}

// State reports whether Run is in progress.
func (r *Runner) State() State { return State(r.state.Load()) }

// Run processes up to limit jobs from queue. It returns nil when the limit
// is reached or no eligible job is left. A store failure rolls back the
// current iteration and is returned; the caller decides whether to restart.
func (r *Runner) Run(ctx context.Context, queue string, limit int) error {
	r.state.Store(int32(StateRunning))
	defer r.state.Store(int32(StateStopped))

	r.log.Info("runner started", "queue", queue, "limit", limit)
	for i := 1; i <= limit; i++ {
		if err := ctx.Err(); err != nil {
			r.log.Info("runner interrupted", "queue", queue, "iteration", i)
			return err
		}
		processed, err := r.RunOnce(ctx, queue)
		if err != nil {
			return err
		}
		if !processed {
			r.log.Info("no job left", "queue", queue, "iteration", i)
			return nil
		}
	}
	r.log.Info("iteration limit reached", "queue", queue, "limit", limit)
	return nil
}

// RunOnce performs a single iteration in its own transaction: fetch one
// eligible job, execute it, record the outcome and commit. processed is
// false only when the queue had no eligible job. A serialization conflict
// rolls the iteration back and is not reported as an error; the job stays
// eligible for a later fetch.
func (r *Runner) RunOnce(ctx context.Context, queue string) (processed bool, err error) {
	err = r.store.InTx(ctx, func(tx *store.Tx) error {
		job, err := tx.FetchNextEligible(ctx, queue)
		if err != nil {
			return err
		}
		if job == nil {
			return nil
		}
		processed = true

		r.log.Debug("executing job",
			"queue", queue, "job_id", job.ID, "fn", job.FnName, "priority", job.Priority)
		result, elapsed, execErr := r.exec.Execute(ctx, job)
		if err := ctx.Err(); err != nil {
			// Abandon: rollback releases the lock and the job stays eligible.
			return err
		}
		return r.rec.Record(ctx, tx, queue, job, result, elapsed, execErr)
	})
	if err == nil {
		return processed, nil
	}
	if errors.Is(err, store.ErrConflict) {
		metrics.Conflicts.WithLabelValues(queue).Inc()
		r.log.Warn("transaction conflict, iteration rolled back", "queue", queue, "error", err)
		return true, nil
	}
	var storeErr *store.Error
	if errors.As(err, &storeErr) {
		metrics.StoreErrors.WithLabelValues(queue).Inc()
		r.log.Error("store error, runner stopping", "queue", queue, "error", err)
	}
	return processed, err
}
