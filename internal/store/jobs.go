package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// Job is one queue table row.
type Job struct {
	ID          uuid.UUID
	FnName      string
	Priority    int32
	Args        json.RawMessage
	Kwargs      json.RawMessage
	CreatedAt   time.Time
	ScheduledAt *time.Time
	ExecutedAt  *time.Time
	CanceledAt  *time.Time
	Result      json.RawMessage
	// FailureReason is the message of the most recent failed attempt.
	FailureReason *string
	// ProcessingDuration is set on success, truncated to milliseconds.
	ProcessingDuration *time.Duration
}

var jobColumns = []string{
	"id", "fn_name", "priority", "args", "kwargs", "created_at",
	"scheduled_at", "executed_at", "canceled_at", "result", "failure_reason",
	"processing_duration",
}

func scanJob(row pgx.Row) (*Job, error) {
	var (
		j  Job
		iv pgtype.Interval
	)
	if err := row.Scan(
		&j.ID, &j.FnName, &j.Priority, &j.Args, &j.Kwargs, &j.CreatedAt,
		&j.ScheduledAt, &j.ExecutedAt, &j.CanceledAt, &j.Result, &j.FailureReason,
		&iv,
	); err != nil {
		return nil, err
	}
	if iv.Valid {
		d := time.Duration(iv.Microseconds)*time.Microsecond +
			time.Duration(iv.Days)*24*time.Hour
		j.ProcessingDuration = &d
	}
	return &j, nil
}

// FetchNextEligible locks and returns the eligible job with the lowest
// priority in queue. Ties are broken by created_at, then id. Rows locked by
// other transactions are skipped, never waited on. Returns (nil, nil) when
// no eligible, unlocked row exists. The row itself is not modified.
func (t *Tx) FetchNextEligible(ctx context.Context, queue string) (*Job, error) {
	if queue == "" {
		return nil, wrap("fetch next eligible", ErrEmptyQueue)
	}
	query, args, err := psql.
		Select(jobColumns...).
		From(tableName(queue)).
		Where("executed_at IS NULL").
		Where("canceled_at IS NULL").
		Where("(scheduled_at IS NULL OR scheduled_at < NOW())").
		OrderBy("priority ASC", "created_at ASC", "id ASC").
		Limit(1).
		Suffix("FOR UPDATE SKIP LOCKED").
		ToSql()
	if err != nil {
		return nil, wrap("fetch next eligible: build query", err)
	}

	job, err := scanJob(t.tx.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("fetch next eligible", err)
	}
	return job, nil
}

// MarkSucceeded stores result and the processing duration, stamps
// executed_at and clears any failure_reason left by earlier attempts.
// result must be valid JSON.
func (t *Tx) MarkSucceeded(ctx context.Context, queue string, id uuid.UUID, result json.RawMessage, elapsed time.Duration) error {
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	return t.update(ctx, fmt.Sprintf("mark succeeded %s", id), psql.
		Update(tableName(queue)).
		Set("result", sq.Expr("?::jsonb", string(result))).
		Set("executed_at", sq.Expr("NOW()")).
		Set("processing_duration", intervalExpr(elapsed)).
		Set("failure_reason", nil).
		Where(sq.Eq{"id": id}))
}

// MarkFailed increments priority, stores reason and reschedules the job at
// next. executed_at is left NULL so the job becomes eligible again.
func (t *Tx) MarkFailed(ctx context.Context, queue string, id uuid.UUID, reason string, next time.Time) error {
	return t.update(ctx, fmt.Sprintf("mark failed %s", id), psql.
		Update(tableName(queue)).
		Set("priority", sq.Expr("priority + 1")).
		Set("failure_reason", reason).
		Set("scheduled_at", next).
		Where(sq.Eq{"id": id}))
}

func (t *Tx) update(ctx context.Context, op string, b sq.UpdateBuilder) error {
	query, args, err := b.ToSql()
	if err != nil {
		return wrap(op+": build query", err)
	}
	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return wrap(op, err)
	}
	if tag.RowsAffected() != 1 {
		return wrap(op, ErrJobNotFound)
	}
	return nil
}

// RecordFailure appends one row to the queue's failure history table.
func (t *Tx) RecordFailure(ctx context.Context, queue string, job *Job, reason string, elapsed time.Duration) error {
	query, args, err := psql.
		Insert(errorTableName(queue)).
		Columns("job_id", "fn_name", "args", "kwargs", "message", "processing_duration").
		Values(
			job.ID,
			job.FnName,
			jsonbExpr(job.Args, "[]"),
			jsonbExpr(job.Kwargs, "{}"),
			reason,
			intervalExpr(elapsed),
		).
		ToSql()
	if err != nil {
		return wrap("record failure: build query", err)
	}
	if _, err := t.tx.Exec(ctx, query, args...); err != nil {
		return wrap(fmt.Sprintf("record failure %s", job.ID), err)
	}
	return nil
}

// NewJob describes a row for InsertJob.
type NewJob struct {
	ID          uuid.UUID // generated when zero
	FnName      string
	Priority    int32
	Args        []any
	Kwargs      map[string]any
	ScheduledAt *time.Time
	CanceledAt  *time.Time
}

// InsertJob writes a job row directly. It exists for fixtures and
// operational tooling; producers normally own their own insert path.
func (s *Store) InsertJob(ctx context.Context, queue string, nj NewJob) (uuid.UUID, error) {
	if queue == "" {
		return uuid.Nil, wrap("insert job", ErrEmptyQueue)
	}
	id := nj.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	if nj.Args == nil {
		nj.Args = []any{}
	}
	if nj.Kwargs == nil {
		nj.Kwargs = map[string]any{}
	}
	args, err := json.Marshal(nj.Args)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert job: encode args: %w", err)
	}
	kwargs, err := json.Marshal(nj.Kwargs)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert job: encode kwargs: %w", err)
	}

	query, qargs, err := psql.
		Insert(tableName(queue)).
		Columns("id", "fn_name", "priority", "args", "kwargs", "scheduled_at", "canceled_at").
		Values(id, nj.FnName, nj.Priority,
			sq.Expr("?::jsonb", string(args)), sq.Expr("?::jsonb", string(kwargs)),
			nj.ScheduledAt, nj.CanceledAt).
		ToSql()
	if err != nil {
		return uuid.Nil, wrap("insert job: build query", err)
	}
	if _, err := s.pool.Exec(ctx, query, qargs...); err != nil {
		return uuid.Nil, wrap("insert job", err)
	}
	return id, nil
}

// GetJob returns the row for id, or (nil, nil) if it does not exist.
func (s *Store) GetJob(ctx context.Context, queue string, id uuid.UUID) (*Job, error) {
	query, args, err := psql.
		Select(jobColumns...).
		From(tableName(queue)).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, wrap("get job: build query", err)
	}
	job, err := scanJob(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap(fmt.Sprintf("get job %s", id), err)
	}
	return job, nil
}

// CountFailures returns the number of failure history rows for id.
func (s *Store) CountFailures(ctx context.Context, queue string, id uuid.UUID) (int, error) {
	query, args, err := psql.
		Select("COUNT(*)").
		From(errorTableName(queue)).
		Where(sq.Eq{"job_id": id}).
		ToSql()
	if err != nil {
		return 0, wrap("count failures: build query", err)
	}
	var n int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, wrap(fmt.Sprintf("count failures %s", id), err)
	}
	return n, nil
}

// HasFailureHistory reports whether the _error table paired with queue
// exists and is visible on the search path.
func (s *Store) HasFailureHistory(ctx context.Context, queue string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, "SELECT to_regclass($1::text) IS NOT NULL", errorTableName(queue)).Scan(&ok)
	if err != nil {
		return false, wrap("check failure history table", err)
	}
	return ok, nil
}

// intervalExpr binds d as milliseconds so the column keeps ms precision in
// both simple and extended query modes.
func intervalExpr(d time.Duration) sq.Sqlizer {
	return sq.Expr("(?::float8 * INTERVAL '1 millisecond')", float64(d.Milliseconds()))
}

func jsonbExpr(raw json.RawMessage, fallback string) sq.Sqlizer {
	if len(raw) == 0 {
		return sq.Expr("?::jsonb", fallback)
	}
	return sq.Expr("?::jsonb", string(raw))
}
