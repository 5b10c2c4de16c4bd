package moodle

import (
	"context"

	"golang.org/x/sync/semaphore"
)

const defaultMaxConcurrent = 5

// Limiter is the process-wide admission gate in front of the remote
// service. Waiters are admitted in FIFO order.
type Limiter struct {
	sem *semaphore.Weighted
}

// NewLimiter returns a gate admitting at most n concurrent calls.
func NewLimiter(n int) *Limiter {
	if n <= 0 {
		n = defaultMaxConcurrent
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(n))}
}

// Do runs fn while holding one slot. The slot is released when fn returns,
// whatever the outcome. If ctx ends while waiting, fn is not run.
func (l *Limiter) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.sem.Release(1)
	return fn(ctx)
}
