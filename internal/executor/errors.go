package executor

import (
	"fmt"
	"time"
)

// ResolutionError means the job's function name did not map to a
// registered function.
type ResolutionError struct {
	FnName string
	Err    error
}

func (e *ResolutionError) Error() string { return e.Err.Error() }

func (e *ResolutionError) Unwrap() error { return e.Err }

// ExecutionError wraps a failure raised by the job function itself, by its
// deferred work, or by argument decoding. Error returns the function's own
// message so it can be stored verbatim as the failure reason.
type ExecutionError struct {
	FnName string
	Err    error
}

func (e *ExecutionError) Error() string { return e.Err.Error() }

func (e *ExecutionError) Unwrap() error { return e.Err }

// TimeoutError means the job did not finish within the configured limit.
type TimeoutError struct {
	FnName  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out after %s", e.FnName, e.Timeout)
}
