package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/scarson/jobrunner/internal/metrics"
	"github.com/scarson/jobrunner/internal/store"
)

// DefaultMaxBackoff caps retry delays when Backoff.Max is zero.
const DefaultMaxBackoff = 24 * time.Hour

// MinBackoff keeps a rescheduled job strictly in the future.
const MinBackoff = time.Millisecond

// Backoff computes retry delays of 2^priority seconds, capped at Max.
type Backoff struct {
	Max time.Duration
}

// Delay returns the wait before a job that failed at priority becomes
// eligible again. Negative priorities give sub-second delays, never less
// than MinBackoff.
func (b Backoff) Delay(priority int32) time.Duration {
	limit := b.Max
	if limit <= 0 {
		limit = DefaultMaxBackoff
	}
	secs := math.Ldexp(1, int(priority))
	if secs >= limit.Seconds() {
		return limit
	}
	return max(time.Duration(secs*float64(time.Second)), MinBackoff)
}

// Recorder persists a job outcome inside the transaction that fetched it.
type Recorder struct {
	backoff Backoff
	history bool
	now     func() time.Time
	log     *slog.Logger
}

// NewRecorder creates a Recorder. When history is true every failed attempt
// is also appended to the queue's _error table.
func NewRecorder(b Backoff, history bool, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{backoff: b, history: history, now: time.Now, log: log}
}

// CheckFailureHistory returns want unless the queue has no _error table, in
// which case it logs a warning and returns false so failures are still
// rescheduled instead of rolled back on every attempt.
func CheckFailureHistory(ctx context.Context, st *store.Store, queue string, want bool, log *slog.Logger) (bool, error) {
	if !want {
		return false, nil
	}
	ok, err := st.HasFailureHistory(ctx, queue)
	if err != nil {
		return false, err
	}
	if !ok {
		if log == nil {
			log = slog.Default()
		}
		log.Warn("failure history table missing, history disabled", "queue", queue)
	}
	return ok, nil
}

// Record marks job succeeded when execErr is nil and failed otherwise.
// Exactly one of MarkSucceeded and MarkFailed is issued. Returned errors
// come from the store.
func (r *Recorder) Record(ctx context.Context, tx *store.Tx, queue string, job *store.Job, result any, elapsed time.Duration, execErr error) error {
	log := r.log.With("queue", queue, "job_id", job.ID, "fn", job.FnName)

	if execErr == nil {
		encoded, err := json.Marshal(result)
		if err == nil {
			if err := tx.MarkSucceeded(ctx, queue, job.ID, encoded, elapsed); err != nil {
				return err
			}
			observe(queue, metrics.OutcomeSucceeded, elapsed)
			log.Info("job succeeded", "duration_ms", elapsed.Milliseconds())
			return nil
		}
		execErr = fmt.Errorf("encode result: %w", err)
	}

	reason := execErr.Error()
	delay := r.backoff.Delay(job.Priority)
	next := r.now().Add(delay)
	if err := tx.MarkFailed(ctx, queue, job.ID, reason, next); err != nil {
		return err
	}
	if r.history {
		if err := tx.RecordFailure(ctx, queue, job, reason, elapsed); err != nil {
			return err
		}
	}
	observe(queue, metrics.OutcomeFailed, elapsed)
	log.Warn("job failed",
		"error", reason,
		"priority", job.Priority+1,
		"retry_in", delay,
		"scheduled_at", next,
	)
	return nil
}

func observe(queue, outcome string, elapsed time.Duration) {
	metrics.JobsProcessed.WithLabelValues(queue, outcome).Inc()
	metrics.JobDuration.WithLabelValues(queue, outcome).Observe(elapsed.Seconds())
}
