package loader

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff computes exponential retry delays with full jitter
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	// jitter picks the actual delay in [0, d]; replaced in tests
	jitter func(d time.Duration) time.Duration
}

// NewBackoff creates a backoff doubling from base up to max
func NewBackoff(base, max time.Duration) Backoff {
	if max < base {
		max = base
	}
	return Backoff{Base: base, Max: max, jitter: fullJitter}
}

func fullJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return rand.N(d + 1)
}

// Ceiling returns the upper bound of the delay before retry number attempt
// (1-based): base * 2^(attempt-1), capped at Max.
func (b Backoff) Ceiling(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 32 {
		return b.Max
	}
	d := b.Base << (attempt - 1)
	if d <= 0 || d > b.Max {
		return b.Max
	}
	return d
}

// Delay returns the jittered delay before retry number attempt
func (b Backoff) Delay(attempt int) time.Duration {
	jitter := b.jitter
	if jitter == nil {
		jitter = fullJitter
	}
	return jitter(b.Ceiling(attempt))
}

// sleep waits for d or until ctx is done. Returns false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
