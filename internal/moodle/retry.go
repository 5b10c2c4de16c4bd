package moodle

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
)

// RetryPolicy is a bounded exponential backoff with additive jitter.
type RetryPolicy struct {
	// MaxRetries is the number of attempts after the first one.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// MaxJitter is the upper bound of the random delay added to each wait.
	MaxJitter time.Duration
	// Retryable decides whether err deserves another attempt.
	Retryable func(error) bool
}

// DefaultRetryPolicy: 2 retries, 300ms base doubling up to 2s, 0-200ms jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		BaseDelay:  300 * time.Millisecond,
		MaxDelay:   2 * time.Second,
		MaxJitter:  200 * time.Millisecond,
		Retryable:  isRetryable,
	}
}

func isRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.retryable()
}

// Do runs op until it succeeds, returns a non-retryable error, the retry
// budget is spent or ctx ends. onRetry, if set, is called before each wait.
func (p RetryPolicy) Do(ctx context.Context, op func() error, onRetry func(err error, wait time.Duration)) error {
	retryable := p.Retryable
	if retryable == nil {
		retryable = isRetryable
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.Multiplier = 2
	exp.MaxInterval = p.MaxDelay
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()

	var b backoff.BackOff = &jitterBackOff{BackOff: exp, max: p.MaxJitter}
	b = backoff.WithMaxRetries(b, uint64(max(p.MaxRetries, 0)))
	b = backoff.WithContext(b, ctx)

	wrapped := func() error {
		err := op()
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		if onRetry != nil {
			onRetry(err, wait)
		}
	}
	return backoff.RetryNotify(wrapped, b, notify)
}

var (
	jitterMu  sync.Mutex
	jitterRnd = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// jitterBackOff adds a uniform random delay in [0, max) to every wait so
// concurrent callers do not retry in lockstep.
type jitterBackOff struct {
	backoff.BackOff
	max time.Duration
}

func (j *jitterBackOff) NextBackOff() time.Duration {
	d := j.BackOff.NextBackOff()
	if d == backoff.Stop || j.max <= 0 {
		return d
	}
	jitterMu.Lock()
	extra := time.Duration(jitterRnd.Int63n(int64(j.max)))
	jitterMu.Unlock()
	return d + extra
}
