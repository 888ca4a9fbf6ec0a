// Package executor resolves a job's function, invokes it and waits for its
// result. Synchronous functions run on their own goroutine and deferred
// results are awaited, so a slow job never blocks the calling runner from
// observing cancellation or its timeout.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/scarson/jobrunner/internal/registry"
	"github.com/scarson/jobrunner/internal/store"
)

// Executor runs jobs against a Resolver.
type Executor struct {
	resolver registry.Resolver
	timeout  time.Duration
}

// New creates an Executor. A zero timeout lets jobs run indefinitely.
func New(r registry.Resolver, timeout time.Duration) *Executor {
	return &Executor{resolver: r, timeout: timeout}
}

type invocation struct {
	value registry.Value
	err   error
}

// Execute runs job and returns its result and the wall-clock time spent
// resolving, invoking and awaiting it. A non-nil error is always a
// *ResolutionError, *ExecutionError or *TimeoutError. If ctx itself is
// cancelled the error wraps ctx.Err() and callers should abandon the job
// rather than record a failure.
func (e *Executor) Execute(ctx context.Context, job *store.Job) (any, time.Duration, error) {
	start := time.Now()
	result, err := e.execute(ctx, job)
	return result, time.Since(start), err
}

func (e *Executor) execute(parent context.Context, job *store.Job) (any, error) {
	fn, err := e.resolver.Resolve(job.FnName)
	if err != nil {
		return nil, &ResolutionError{FnName: job.FnName, Err: err}
	}

	args, err := decodeArgs(job)
	if err != nil {
		return nil, &ExecutionError{FnName: job.FnName, Err: err}
	}

	ctx := parent
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, e.timeout)
		defer cancel()
	}

	done := make(chan invocation, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- invocation{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		v, err := fn(ctx, args)
		done <- invocation{value: v, err: err}
	}()

	var inv invocation
	select {
	case inv = <-done:
	case <-ctx.Done():
		return nil, e.interrupted(parent, job)
	}
	if inv.err != nil {
		if ctx.Err() != nil {
			return nil, e.interrupted(parent, job)
		}
		return nil, &ExecutionError{FnName: job.FnName, Err: inv.err}
	}

	switch v := inv.value.(type) {
	case nil:
		return nil, nil
	case registry.Immediate:
		return v.Result, nil
	case registry.Deferred:
		if v.Future == nil {
			return nil, &ExecutionError{FnName: job.FnName, Err: errors.New("deferred result without a future")}
		}
		result, err := v.Future.Wait(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, e.interrupted(parent, job)
			}
			return nil, &ExecutionError{FnName: job.FnName, Err: err}
		}
		return result, nil
	default:
		return nil, &ExecutionError{FnName: job.FnName, Err: fmt.Errorf("unsupported value %T", v)}
	}
}

// interrupted classifies a done context: the executor's own deadline is a
// timeout, anything else is the caller cancelling.
func (e *Executor) interrupted(parent context.Context, job *store.Job) error {
	if err := parent.Err(); err != nil {
		return &ExecutionError{FnName: job.FnName, Err: err}
	}
	return &TimeoutError{FnName: job.FnName, Timeout: e.timeout}
}

func decodeArgs(job *store.Job) (registry.Args, error) {
	var args registry.Args
	if err := decodeJSON(job.Args, &args.Positional); err != nil {
		return args, fmt.Errorf("decode args: %w", err)
	}
	if err := decodeJSON(job.Kwargs, &args.Keyword); err != nil {
		return args, fmt.Errorf("decode kwargs: %w", err)
	}
	if args.Positional == nil {
		args.Positional = []any{}
	}
	if args.Keyword == nil {
		args.Keyword = map[string]any{}
	}
	return args, nil
}

func decodeJSON(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(dst)
}
