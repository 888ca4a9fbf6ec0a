// Package registry maps function names stored on job rows to Go functions.
//
// Functions are registered once at startup; a Registry is then read-only and
// safe to share between any number of runners.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotFound is returned by Resolve for an unregistered name.
var ErrNotFound = errors.New("function not registered")

// Args carries a job's decoded positional and keyword arguments. Numbers
// are json.Number values.
type Args struct {
	Positional []any
	Keyword    map[string]any
}

// Func is a job function. It returns either an Immediate value or a
// Deferred one that the executor waits on.
type Func func(ctx context.Context, args Args) (Value, error)

// Resolver looks up a Func by its fully qualified name.
type Resolver interface {
	Resolve(name string) (Func, error)
}

// Registry is a static Resolver populated at startup.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register associates fn with name. It panics on an empty name, a nil fn or
// a duplicate registration, all of which are wiring mistakes.
func (r *Registry) Register(name string, fn Func) {
	if name == "" {
		panic("registry: empty function name")
	}
	if fn == nil {
		panic("registry: nil function for " + name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.funcs[name]; dup {
		panic("registry: duplicate function " + name)
	}
	r.funcs[name] = fn
}

// RegisterSync registers a function that always completes before returning.
func (r *Registry) RegisterSync(name string, fn func(ctx context.Context, args Args) (any, error)) {
	r.Register(name, func(ctx context.Context, args Args) (Value, error) {
		v, err := fn(ctx, args)
		if err != nil {
			return nil, err
		}
		return Immediate{Result: v}, nil
	})
}

// RegisterAsync registers a function whose work runs on its own goroutine
// and is awaited by the executor.
func (r *Registry) RegisterAsync(name string, fn func(ctx context.Context, args Args) (any, error)) {
	r.Register(name, func(ctx context.Context, args Args) (Value, error) {
		return Deferred{Future: Go(ctx, func(ctx context.Context) (any, error) {
			return fn(ctx, args)
		})}, nil
	})
}

// Resolve implements Resolver.
func (r *Registry) Resolve(name string) (Func, error) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("resolve %q: %w", name, ErrNotFound)
	}
	return fn, nil
}

// Names returns the registered function names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for n := range r.funcs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
