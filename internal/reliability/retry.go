package reliability

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Waiter gates an attempt; *rate.Limiter satisfies it.
type Waiter interface {
	Wait(ctx context.Context) error
}

// Policy bounds one retried external call.
type Policy struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	Limiter        Waiter
}

// Attempt is reported after every try so retries stay observable.
type Attempt struct {
	Number   int
	Kind     Kind
	Err      error
	Duration time.Duration
}

// ErrExhausted wraps the last error once every attempt failed transiently.
var ErrExhausted = errors.New("retries exhausted")

type exhaustedError struct {
	attempts int
	last     error
}

func (e *exhaustedError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", ErrExhausted, e.attempts, e.last)
}

func (e *exhaustedError) Unwrap() []error { return []error{ErrExhausted, e.last} }

// Do runs fn until it succeeds, fails fatally, exhausts the policy, or ctx
// ends. Each attempt gets its own timeout derived from ctx.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error), observe func(Attempt)) (T, error) {
	var zero T
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	base := p.BaseBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	maxBackoff := p.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = time.Second
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if p.Limiter != nil {
			if err := p.Limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return zero, ctx.Err()
				}
				return zero, Transient("rate_limiter", err)
			}
		}

		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if p.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
		}
		started := time.Now()
		out, err := fn(attemptCtx, attempt)
		cancel()
		if err == nil {
			if observe != nil {
				observe(Attempt{Number: attempt, Duration: time.Since(started)})
			}
			return out, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		kind := Classify(err)
		if observe != nil {
			observe(Attempt{Number: attempt, Kind: kind, Err: err, Duration: time.Since(started)})
		}
		if kind == KindFatal {
			return zero, err
		}
		last = err
		if attempt == attempts {
			break
		}

		t := time.NewTimer(ExponentialBackoff(attempt-1, base, maxBackoff))
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, ctx.Err()
		case <-t.C:
		}
	}
	return zero, &exhaustedError{attempts: attempts, last: last}
}
