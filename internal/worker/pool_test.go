// ABOUTME: Integration tests for Pool: concurrent runners claim each job once and stop on cancel.
// ABOUTME: Uses testutil.NewTestDB; each test runs against a real Postgres testcontainer.
package worker_test

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarson/jobrunner/internal/executor"
	"github.com/scarson/jobrunner/internal/registry"
	"github.com/scarson/jobrunner/internal/store"
	"github.com/scarson/jobrunner/internal/testutil"
	"github.com/scarson/jobrunner/internal/worker"
)

// TestPool_EachJobClaimedOnce runs several runners over one queue and checks
// that every job executes exactly once. Read committed is used so that no
// iteration is rolled back by a serialization conflict after executing.
func TestPool_EachJobClaimedOnce(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t).WithIsoLevel(pgx.ReadCommitted)

	const jobs = 20
	var (
		mu    sync.Mutex
		calls = make(map[string]int)
	)
	reg := registry.New()
	reg.RegisterSync("demo.count", func(_ context.Context, a registry.Args) (any, error) {
		key, _ := a.Keyword["key"].(string)
		mu.Lock()
		calls[key]++
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		return key, nil
	})

	ids := make([]uuid.UUID, 0, jobs)
	for i := 0; i < jobs; i++ {
		key := uuid.NewString()
		ids = append(ids, mustInsert(t, s, store.NewJob{
			FnName:   "demo.count",
			Priority: int32(i % 3),
			Kwargs:   map[string]any{"key": key},
		}))
	}

	log := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	p := worker.NewPool(s,
		executor.New(reg, time.Minute),
		worker.NewRecorder(worker.Backoff{}, true, log),
		worker.PoolConfig{Queue: queue, Concurrency: 4, PollInterval: 20 * time.Millisecond, MaxRate: 1000},
		log,
	)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(stopped)
	}()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			job, err := s.GetJob(context.Background(), queue, id)
			if err != nil || job == nil || job.ExecutedAt == nil {
				return false
			}
		}
		return true
	}, 30*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case <-stopped:
	case <-time.After(10 * time.Second):
		t.Fatal("pool did not stop after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, calls, jobs)
	for key, n := range calls {
		assert.Equal(t, 1, n, "job %s executed %d times", key, n)
	}
}

func TestPool_StopsWhenIdle(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)

	log := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	p := worker.NewPool(s,
		executor.New(registry.New(), 0),
		worker.NewRecorder(worker.Backoff{}, false, log),
		worker.PoolConfig{Queue: queue, Concurrency: 2, PollInterval: 10 * time.Millisecond},
		log,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("pool did not stop after context deadline")
	}
}
