package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/scarson/jobrunner/internal/executor"
	"github.com/scarson/jobrunner/internal/store"
)

// defaultPollInterval is used when PoolConfig.PollInterval is zero.
const defaultPollInterval = 2 * time.Second

// PoolConfig holds pool tuning parameters (sourced from config.Config).
type PoolConfig struct {
	Queue        string
	Concurrency  int
	PollInterval time.Duration
	// MaxRate caps jobs per second across the pool; 0 means unlimited.
	MaxRate float64
}

// Pool runs Concurrency runners against one queue. Each runner is a
// separate goroutine with its own transactions; when the queue is empty a
// runner sleeps for PollInterval before fetching again.
type Pool struct {
	store    *store.Store
	exec     *executor.Executor
	rec      *Recorder
	cfg      PoolConfig
	limiter  *rate.Limiter
	workerID string
	log      *slog.Logger
}

// NewPool creates a Pool. A random workerID is generated at construction
// time to tell this process apart in the logs.
func NewPool(st *store.Store, exec *executor.Executor, rec *Recorder, cfg PoolConfig, log *slog.Logger) *Pool {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Pool{
		store:    st,
		exec:     exec,
		rec:      rec,
		cfg:      cfg,
		workerID: uuid.New().String(),
	}
	p.log = log.With("worker_id", p.workerID)
	if cfg.MaxRate > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.MaxRate), 1)
	}
	return p
}

// Start launches the runners and blocks until ctx is cancelled. On
// cancellation no new jobs are fetched, any in-flight job completes, and
// Start returns after all runners have exited.
func (p *Pool) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		r := NewRunner(p.store, p.exec, p.rec, p.log.With("runner", i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runLoop(ctx, r)
		}()
	}

	p.log.Info("worker pool started",
		"queue", p.cfg.Queue, "concurrency", p.cfg.Concurrency, "poll_interval", p.cfg.PollInterval)
	wg.Wait()
	p.log.Info("worker pool stopped", "queue", p.cfg.Queue)
}

// runLoop processes jobs back to back while the queue has work and polls
// on a ticker (not time.After, to avoid timer leaks) once it is empty.
func (p *Pool) runLoop(ctx context.Context, r *Runner) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return
			}
		}

		// The iteration is detached from ctx so shutdown never interrupts
		// a job between execution and commit.
		processed, err := r.RunOnce(context.WithoutCancel(ctx), p.cfg.Queue)
		if err == nil && processed {
			continue
		}
		if err != nil {
			p.log.Error("runner stopped, restarting after poll interval",
				"queue", p.cfg.Queue, "error", err)
		}

		ticker.Reset(p.cfg.PollInterval)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
