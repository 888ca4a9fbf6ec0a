// ABOUTME: Unit tests for the 2^priority retry delay: caps, floor and monotonicity.
// ABOUTME: Pure computation, no database.
package worker_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/scarson/jobrunner/internal/worker"
)

func TestBackoff_Delay(t *testing.T) {
	t.Parallel()
	b := worker.Backoff{Max: time.Hour}
	tests := []struct {
		priority int32
		want     time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{-1, 500 * time.Millisecond},
		{-9, 1953125 * time.Nanosecond},
		{-10, worker.MinBackoff}, // 2^-10 s is just under 1ms
		{-11, worker.MinBackoff},
		{-40, worker.MinBackoff},
		{-1 << 30, worker.MinBackoff},
		{11, 2048 * time.Second},
		{12, time.Hour}, // 4096s > 1h
		{1 << 30, time.Hour},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, b.Delay(tc.priority), "priority %d", tc.priority)
	}
}

func TestBackoff_DefaultCap(t *testing.T) {
	t.Parallel()
	assert.Equal(t, worker.DefaultMaxBackoff, worker.Backoff{}.Delay(64))
}

func TestBackoff_NonDecreasing(t *testing.T) {
	t.Parallel()
	b := worker.Backoff{Max: 24 * time.Hour}
	prev := time.Duration(0)
	for p := int32(-64); p < 40; p++ {
		d := b.Delay(p)
		assert.GreaterOrEqual(t, d, prev, "priority %d", p)
		prev = d
	}
}

func TestBackoff_NeverZero(t *testing.T) {
	t.Parallel()
	for _, b := range []worker.Backoff{{}, {Max: time.Hour}} {
		for p := int32(-100); p <= 0; p++ {
			assert.GreaterOrEqual(t, b.Delay(p), worker.MinBackoff, "priority %d", p)
		}
	}
}
