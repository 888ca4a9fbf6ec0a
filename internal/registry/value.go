package registry

import (
	"context"
	"fmt"
	"sync"
)

// Value is what invoking a Func yields: Immediate or Deferred.
type Value interface {
	isValue()
}

// Immediate is a result that is already available.
type Immediate struct {
	Result any
}

// Deferred is a result still being computed.
type Deferred struct {
	Future *Future
}

func (Immediate) isValue() {}
func (Deferred) isValue()  {}

// Future is the eventual result of deferred work. It settles exactly once.
type Future struct {
	done   chan struct{}
	result any
	err    error
}

// NewFuture returns an unsettled Future and the function that settles it.
// Calls to settle after the first are ignored.
func NewFuture() (*Future, func(result any, err error)) {
	f := &Future{done: make(chan struct{})}
	var once sync.Once
	return f, func(result any, err error) {
		once.Do(func() {
			f.result, f.err = result, err
			close(f.done)
		})
	}
}

// Go runs fn on a new goroutine and returns a Future for its result. A
// panic in fn settles the Future with an error.
func Go(ctx context.Context, fn func(ctx context.Context) (any, error)) *Future {
	f, settle := NewFuture()
	go func() {
		defer func() {
			if p := recover(); p != nil {
				settle(nil, fmt.Errorf("panic: %v", p))
			}
		}()
		settle(fn(ctx))
	}()
	return f
}

// Done is closed once the Future settles.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the Future settles or ctx is done.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.Done():
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
