// Package retry holds the single polling policy shared by the job client and
// its callers: a fixed number of attempts, a fixed delay, and a predicate that
// decides whether another attempt is worth making.
package retry

import (
	"context"
	"time"
)

// Policy re-runs an operation while Continue approves of its last result.
type Policy[T any] struct {
	MaxAttempts int
	Delay       time.Duration
	// Continue reports whether the result of an attempt warrants another one.
	// A nil Continue retries only on error.
	Continue func(result T, err error) bool
	// Sleep waits between attempts; nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Do runs fn until Continue says stop, attempts run out, or ctx is done. It
// returns the last attempt's result and error, or ctx's error if the context
// ended while waiting. Cancellation is never retried.
func (p Policy[T]) Do(ctx context.Context, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var (
		result T
		err    error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err = fn(ctx, attempt)
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if !p.shouldContinue(result, err) || attempt == attempts {
			break
		}
		if serr := sleep(ctx, p.Delay); serr != nil {
			return result, serr
		}
	}
	return result, err
}

func (p Policy[T]) shouldContinue(result T, err error) bool {
	if p.Continue == nil {
		return err != nil
	}
	return p.Continue(result, err)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
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
