// Package builtin holds the job functions compiled into the jobrunner
// binary. Register adds them to a registry at startup.
package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/scarson/jobrunner/internal/registry"
)

// Register adds every builtin function to r.
func Register(r *registry.Registry) {
	r.RegisterSync("demo.add", add)
	r.RegisterSync("demo.echo", echo)
	r.RegisterSync("demo.fail", fail)
	r.RegisterAsync("demo.sleep", sleep)
}

// add returns the sum of its positional arguments. Integers stay integers.
func add(_ context.Context, a registry.Args) (any, error) {
	var (
		isum    int64
		fsum    float64
		isFloat bool
	)
	for i, v := range a.Positional {
		n, ok := v.(json.Number)
		if !ok {
			return nil, fmt.Errorf("argument %d: not a number: %v", i, v)
		}
		if iv, err := n.Int64(); err == nil && !isFloat {
			isum += iv
			continue
		}
		fv, err := n.Float64()
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		if !isFloat {
			isFloat = true
			fsum = float64(isum)
		}
		fsum += fv
	}
	if isFloat {
		return fsum, nil
	}
	return isum, nil
}

func echo(_ context.Context, a registry.Args) (any, error) {
	return map[string]any{"args": a.Positional, "kwargs": a.Keyword}, nil
}

// fail always returns an error carrying kwargs["message"] or the first
// positional argument.
func fail(_ context.Context, a registry.Args) (any, error) {
	if msg, ok := a.Keyword["message"].(string); ok {
		return nil, errors.New(msg)
	}
	if len(a.Positional) > 0 {
		return nil, fmt.Errorf("%v", a.Positional[0])
	}
	return nil, errors.New("demo.fail called")
}

// sleep waits for seconds (first positional argument) and returns it.
func sleep(ctx context.Context, a registry.Args) (any, error) {
	if len(a.Positional) != 1 {
		return nil, fmt.Errorf("want 1 argument, got %d", len(a.Positional))
	}
	n, ok := a.Positional[0].(json.Number)
	if !ok {
		return nil, fmt.Errorf("seconds: not a number: %v", a.Positional[0])
	}
	secs, err := n.Float64()
	if err != nil {
		return nil, fmt.Errorf("seconds: %w", err)
	}
	timer := time.NewTimer(time.Duration(secs * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return secs, nil
	}
}
