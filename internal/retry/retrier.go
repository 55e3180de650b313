package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

// Retrier re-runs a call while it fails with a retryable error, sleeping
// NextDelay plus jitter between attempts. Any other error is returned as-is
// on the first attempt.
type Retrier struct {
	policy    RetryPolicy
	retryable func(error) bool
	sleep     func(context.Context, time.Duration) error
	jitter    func(time.Duration) time.Duration
	onRetry   func(attempt int, err error, wait time.Duration)
}

type Option func(*Retrier)

// WithSleepFunc overrides the wait between attempts. Intended for tests.
func WithSleepFunc(fn func(context.Context, time.Duration) error) Option {
	return func(r *Retrier) { r.sleep = fn }
}

// WithJitterFunc overrides the jitter source.
func WithJitterFunc(fn func(time.Duration) time.Duration) Option {
	return func(r *Retrier) { r.jitter = fn }
}

// WithOnRetry registers a hook called before each wait.
func WithOnRetry(fn func(attempt int, err error, wait time.Duration)) Option {
	return func(r *Retrier) { r.onRetry = fn }
}

func New(policy RetryPolicy, retryable func(error) bool, opts ...Option) *Retrier {
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	r := &Retrier{
		policy:    policy,
		retryable: retryable,
		sleep:     SleepContext,
		jitter:    randomJitter,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Do runs fn at most MaxRetries+1 times.
func (r *Retrier) Do(ctx context.Context, fn func(context.Context) error) error {
	_, err := Call(ctx, r, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Call is Do for calls that return a value.
func Call[T any](ctx context.Context, r *Retrier, fn func(context.Context) (T, error)) (T, error) {
	var (
		result T
		err    error
	)
	for attempt := 0; ; attempt++ {
		result, err = fn(ctx)
		if err == nil {
			return result, nil
		}
		if attempt >= r.policy.MaxRetries || r.retryable == nil || !r.retryable(err) {
			return result, err
		}

		wait := r.Delay(attempt)
		if r.onRetry != nil {
			r.onRetry(attempt+1, err, wait)
		}
		if sleepErr := r.sleep(ctx, wait); sleepErr != nil {
			return result, err
		}
	}
}

// Delay is base*factor^attempt plus jitter, attempt counted from zero.
func (r *Retrier) Delay(attempt int) time.Duration {
	d := r.policy.NextDelay(attempt + 1)
	if r.policy.Jitter > 0 && r.jitter != nil {
		d += r.jitter(r.policy.Jitter)
	}
	return d
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max)))
}
