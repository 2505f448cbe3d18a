// Package retry runs operations again with exponential backoff.
package retry

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloo-solutions/unic/internal/domain"
)

// Policy configures attempts and delays. Retryable decides which errors are
// worth another attempt; nil retries every error except context errors.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Retryable       func(error) bool
}

// DefaultPolicy retries transient engine failures three times.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		Retryable:       domain.IsRetryable,
	}
}

func (p Policy) initialInterval() time.Duration {
	if p.InitialInterval > 0 {
		return p.InitialInterval
	}
	return backoff.DefaultInitialInterval
}

func (p Policy) multiplier() float64 {
	if p.Multiplier > 0 {
		return p.Multiplier
	}
	return backoff.DefaultMultiplier
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	// Attempts bound the loop, not elapsed time
	b.MaxElapsedTime = 0
	b.Reset()

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

func (p Policy) retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, domain.ErrTimeout) {
		return false
	}
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

// Do calls op until it succeeds, returns a non-retryable error, or the policy
// gives up. The last error is returned; an expired ctx yields domain.ErrTimeout.
func Do(ctx context.Context, p Policy, name string, op func(ctx context.Context) error) error {
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := op(ctx)
		if err != nil && !p.retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, p.backOff(ctx), func(err error, wait time.Duration) {
		log.Printf("retry: %s attempt %d failed, retrying in %v: %v", name, attempt, wait, err)
	})
	return domain.FromContext(err)
}

// Resume continues an operation whose first attempt already ran outside the
// policy and failed with prev. It waits the initial interval, then spends the
// remaining attempts along the same backoff curve. When prev is nil, not
// retryable, or the policy allows a single attempt, prev is returned unchanged.
func Resume(ctx context.Context, p Policy, name string, prev error, op func(ctx context.Context) error) error {
	if prev == nil || !p.retryable(prev) || p.MaxAttempts <= 1 {
		return prev
	}

	wait := p.initialInterval()
	log.Printf("retry: %s attempt 1 failed, retrying in %v: %v", name, wait, prev)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return domain.FromContext(ctx.Err())
	case <-timer.C:
	}

	rest := p
	rest.MaxAttempts--
	rest.InitialInterval = time.Duration(float64(wait) * p.multiplier())
	if p.MaxInterval > 0 && rest.InitialInterval > p.MaxInterval {
		rest.InitialInterval = p.MaxInterval
	}
	return Do(ctx, rest, name, op)
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, name, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
