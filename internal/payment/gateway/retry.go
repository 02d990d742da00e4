// Package gateway holds the provider-independent plumbing shared by payment adapters.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/smallbiznis/bookshelf/internal/payment/domain"
)

// RetryPolicy bounds provider calls. Only transient failures are retried.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryPolicy(maxAttempts int) RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return RetryPolicy{
		MaxAttempts:     maxAttempts,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// Call runs op until it succeeds, returns a non-retryable error, runs out of attempts,
// or ctx expires. An expired ctx is reported as ErrGatewayTimeout.
func Call[T any](ctx context.Context, policy RetryPolicy, op func(ctx context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	if policy.InitialInterval > 0 {
		b.InitialInterval = policy.InitialInterval
	}
	if policy.MaxInterval > 0 {
		b.MaxInterval = policy.MaxInterval
	}
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	result, err := backoff.Retry(ctx, func() (T, error) {
		value, err := op(ctx)
		if err == nil {
			return value, nil
		}
		err = Classify(ctx, err)
		if errors.Is(err, domain.ErrGatewayTransient) {
			return value, err
		}
		return value, backoff.Permanent(err)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(attempts)))

	if err != nil && !errors.Is(err, domain.ErrGatewayTimeout) && ctx.Err() != nil {
		err = fmt.Errorf("%w: %w", domain.ErrGatewayTimeout, err)
	}
	return result, err
}

// Classify maps transport failures onto the gateway error taxonomy.
func Classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrGatewayTimeout) ||
		errors.Is(err, domain.ErrGatewayTransient) ||
		errors.Is(err, domain.ErrGatewayFatal) {
		return err
	}
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", domain.ErrGatewayTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %w", domain.ErrGatewayTransient, err)
	}
	return fmt.Errorf("%w: %w", domain.ErrGatewayFatal, err)
}
