// ABOUTME: Integration tests for the job store accessor: eligibility, ordering, SKIP LOCKED, outcome updates.
// ABOUTME: Each test runs against a real Postgres testcontainer via testutil.NewTestDB.
package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarson/jobrunner/internal/store"
	"github.com/scarson/jobrunner/internal/testutil"
)

const queue = testutil.Queue

func mustInsert(t *testing.T, s *store.Store, nj store.NewJob) uuid.UUID {
	t.Helper()
	id, err := s.InsertJob(context.Background(), queue, nj)
	require.NoError(t, err)
	return id
}

// fetch runs FetchNextEligible in its own committed transaction.
func fetch(t *testing.T, s *store.Store) *store.Job {
	t.Helper()
	var job *store.Job
	err := s.InTx(context.Background(), func(tx *store.Tx) error {
		var err error
		job, err = tx.FetchNextEligible(context.Background(), queue)
		return err
	})
	require.NoError(t, err)
	return job
}

func TestFetchNextEligible_EmptyQueue(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)

	assert.Nil(t, fetch(t, s))
}

func TestFetchNextEligible_PriorityOrder(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)

	mustInsert(t, s, store.NewJob{FnName: "demo.add", Priority: 5})
	low := mustInsert(t, s, store.NewJob{FnName: "demo.add", Priority: 1, Args: []any{2, 3}})
	mustInsert(t, s, store.NewJob{FnName: "demo.add", Priority: 3})

	job := fetch(t, s)
	require.NotNil(t, job)
	assert.Equal(t, low, job.ID)
	assert.Equal(t, int32(1), job.Priority)
	assert.JSONEq(t, `[2,3]`, string(job.Args))
	assert.JSONEq(t, `{}`, string(job.Kwargs))
}

func TestFetchNextEligible_TiesBrokenByInsertionOrder(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)

	first := mustInsert(t, s, store.NewJob{FnName: "demo.add"})
	time.Sleep(5 * time.Millisecond)
	mustInsert(t, s, store.NewJob{FnName: "demo.add"})

	job := fetch(t, s)
	require.NotNil(t, job)
	assert.Equal(t, first, job.ID)
}

func TestFetchNextEligible_Predicate(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	mustInsert(t, s, store.NewJob{FnName: "canceled", CanceledAt: &past})
	mustInsert(t, s, store.NewJob{FnName: "future", ScheduledAt: &future})
	executed := mustInsert(t, s, store.NewJob{FnName: "executed", Priority: -10})
	err := s.InTx(ctx, func(tx *store.Tx) error {
		return tx.MarkSucceeded(ctx, queue, executed, json.RawMessage(`true`), time.Millisecond)
	})
	require.NoError(t, err)
	due := mustInsert(t, s, store.NewJob{FnName: "due", ScheduledAt: &past})

	job := fetch(t, s)
	require.NotNil(t, job)
	assert.Equal(t, due, job.ID)
	assert.Equal(t, "due", job.FnName)
}

func TestFetchNextEligible_SkipsLockedRows(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	j1 := mustInsert(t, s, store.NewJob{FnName: "demo.add", Priority: 0})
	j2 := mustInsert(t, s, store.NewJob{FnName: "demo.add", Priority: 1})

	locked := make(chan uuid.UUID)
	release := make(chan struct{})
	holder := make(chan error, 1)
	go func() {
		holder <- s.InTx(ctx, func(tx *store.Tx) error {
			job, err := tx.FetchNextEligible(ctx, queue)
			if err != nil {
				return err
			}
			if job == nil {
				return errors.New("holder fetched nothing")
			}
			locked <- job.ID
			<-release
			return nil
		})
	}()
	select {
	case id := <-locked:
		require.Equal(t, j1, id)
	case err := <-holder:
		t.Fatalf("holder transaction ended early: %v", err)
	}

	// A second transaction skips j1 instead of waiting for it, and a third
	// finds nothing while both rows are locked.
	err := s.InTx(ctx, func(tx *store.Tx) error {
		job, err := tx.FetchNextEligible(ctx, queue)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, j2, job.ID)

		return s.InTx(ctx, func(tx *store.Tx) error {
			job, err := tx.FetchNextEligible(ctx, queue)
			require.NoError(t, err)
			assert.Nil(t, job)
			return nil
		})
	})
	require.NoError(t, err)

	close(release)
	require.NoError(t, <-holder)

	// Locks are released on commit; nothing was modified, so j1 is eligible again.
	job := fetch(t, s)
	require.NotNil(t, job)
	assert.Equal(t, j1, job.ID)
}

func TestMarkSucceeded(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id := mustInsert(t, s, store.NewJob{FnName: "demo.add", Args: []any{2, 3}})
	err := s.InTx(ctx, func(tx *store.Tx) error {
		if err := tx.MarkFailed(ctx, queue, id, "earlier failure", time.Now().Add(-time.Second)); err != nil {
			return err
		}
		return tx.MarkSucceeded(ctx, queue, id, json.RawMessage(`5`), 1234567*time.Microsecond)
	})
	require.NoError(t, err)

	job, err := s.GetJob(ctx, queue, id)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.JSONEq(t, `5`, string(job.Result))
	assert.NotNil(t, job.ExecutedAt)
	assert.Nil(t, job.FailureReason)
	require.NotNil(t, job.ProcessingDuration)
	assert.Equal(t, 1234*time.Millisecond, *job.ProcessingDuration)

	assert.Nil(t, fetch(t, s), "executed job must never be fetched again")
}

func TestMarkFailed(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id := mustInsert(t, s, store.NewJob{FnName: "demo.fail", Priority: 2})
	next := time.Now().Add(time.Hour).Truncate(time.Microsecond)
	err := s.InTx(ctx, func(tx *store.Tx) error {
		return tx.MarkFailed(ctx, queue, id, "bad input", next)
	})
	require.NoError(t, err)

	job, err := s.GetJob(ctx, queue, id)
	require.NoError(t, err)
	assert.Equal(t, int32(3), job.Priority)
	require.NotNil(t, job.FailureReason)
	assert.Equal(t, "bad input", *job.FailureReason)
	require.NotNil(t, job.ScheduledAt)
	assert.True(t, next.Equal(*job.ScheduledAt), "scheduled_at = %s, want %s", job.ScheduledAt, next)
	assert.Nil(t, job.ExecutedAt)

	assert.Nil(t, fetch(t, s), "rescheduled job is not yet eligible")
}

func TestMarkFailed_UnknownJob(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	err := s.InTx(ctx, func(tx *store.Tx) error {
		return tx.MarkFailed(ctx, queue, uuid.New(), "x", time.Now())
	})
	var storeErr *store.Error
	require.ErrorAs(t, err, &storeErr)
	assert.ErrorIs(t, err, store.ErrJobNotFound)
}

func TestRecordFailure(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id := mustInsert(t, s, store.NewJob{FnName: "demo.fail", Kwargs: map[string]any{"message": "nope"}})
	for i := 0; i < 2; i++ {
		err := s.InTx(ctx, func(tx *store.Tx) error {
			job, err := tx.FetchNextEligible(ctx, queue)
			if err != nil {
				return err
			}
			return tx.RecordFailure(ctx, queue, job, "nope", 10*time.Millisecond)
		})
		require.NoError(t, err)
	}

	n, err := s.CountFailures(ctx, queue, id)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestFetchNextEligible_MissingTable(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	err := s.InTx(ctx, func(tx *store.Tx) error {
		_, err := tx.FetchNextEligible(ctx, "no_such_queue")
		return err
	})
	var storeErr *store.Error
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "fetch next eligible", storeErr.Op)
	assert.NotErrorIs(t, err, store.ErrConflict)
}

func TestHasFailureHistory(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	_, err := s.Pool().Exec(ctx, `CREATE TABLE bare_jobs (LIKE jobs INCLUDING ALL)`)
	require.NoError(t, err)

	ok, err := s.HasFailureHistory(ctx, queue)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.HasFailureHistory(ctx, "bare_jobs")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.HasFailureHistory(ctx, "public."+queue)
	require.NoError(t, err)
	assert.True(t, ok, "schema-qualified queue names resolve too")
}
