// Package resilience wraps model invocations with bounded retries, per-attempt
// timeouts and detached execution.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/lectio-dev/lectio/pkg/observability"
)

// ErrAttemptTimeout is returned when a single attempt outlives Policy.AttemptTimeout.
var ErrAttemptTimeout = errors.New("resilience: attempt timed out")

// Policy configures a Retrier.
type Policy struct {
	// MaxAttempts counts the first try. Values below 1 are treated as 1.
	MaxAttempts int
	// BaseDelay is the wait after the first failure; it doubles after each
	// following failure up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// AttemptTimeout bounds each attempt independently. Zero disables it.
	AttemptTimeout time.Duration
	// Jitter is the randomization factor applied to every delay, in [0, 1).
	Jitter float64
}

// DefaultPolicy returns 3 attempts, 1s doubling backoff and a 30s attempt bound.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		BaseDelay:      time.Second,
		MaxDelay:       8 * time.Second,
		AttemptTimeout: 30 * time.Second,
		Jitter:         0.2,
	}
}

// Retrier executes operations under a Policy. It holds no per-call state and
// is safe for concurrent use.
type Retrier struct {
	policy Policy
	logger *slog.Logger
}

// Option configures a Retrier.
type Option func(*Retrier)

func WithLogger(l *slog.Logger) Option {
	return func(r *Retrier) {
		if l != nil {
			r.logger = l
		}
	}
}

func New(p Policy, opts ...Option) *Retrier {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = 0
	}
	r := &Retrier{policy: p, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the effective policy.
func (r *Retrier) Policy() Policy { return r.policy }

// retryable is implemented by errors that know whether another attempt could help.
type retryable interface {
	Retryable() bool
}

// IsRetryable reports whether err may succeed on another attempt. Errors that
// do not say otherwise are retried.
func IsRetryable(err error) bool {
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return !errors.Is(err, context.Canceled)
}

// Do runs op until it succeeds, returns a non-retryable error or the attempt
// budget is spent. The error of the final attempt is returned unmodified.
func Do[T any](ctx context.Context, r *Retrier, name string, op func(context.Context) (T, error)) (T, error) {
	start := time.Now()
	attempt := 0

	operation := func() (T, error) {
		attempt++
		observability.RecordModelAttempt(name)
		v, err := runAttempt(ctx, r.policy.AttemptTimeout, op)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil || !IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     r.policy.BaseDelay,
		RandomizationFactor: r.policy.Jitter,
		Multiplier:          2,
		MaxInterval:         r.policy.MaxDelay,
	}
	b.Reset()

	v, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.policy.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Debug("retrying operation",
				"op", name, "attempt", attempt, "next_in", next, "error", err)
		}),
	)

	// The last attempt's Permanent wrapper is not stripped by Retry.
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}

	outcome := "success"
	if err != nil {
		outcome = "failure"
		r.logger.Warn("operation failed",
			"op", name, "attempts", attempt, "elapsed", time.Since(start), "error", err)
	}
	observability.RecordModelInvocation(name, outcome, time.Since(start))
	return v, err
}

// runAttempt bounds a single attempt. An operation that ignores its context is
// abandoned once the deadline passes and its result discarded.
func runAttempt[T any](ctx context.Context, timeout time.Duration, op func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return op(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := op(attemptCtx)
		done <- result{v, err}
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return res.v, ErrAttemptTimeout
		}
		return res.v, res.err
	case <-attemptCtx.Done():
		var zero T
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, ErrAttemptTimeout
	}
}
