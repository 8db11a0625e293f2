package errors

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/avast/retry-go/v4"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	// MaxAttempts bounds the attempts spent on bounded-class errors.
	MaxAttempts  uint
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxJitter    time.Duration
	// UnboundedNetwork makes NETWORK/TIMEOUT errors retry until ctx is done
	// without consuming MaxAttempts.
	UnboundedNetwork bool
	OnRetry          func(attempt uint, err error)
}

// DefaultRetryConfig returns default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		MaxJitter:    500 * time.Millisecond,
	}
}

// RetryFunc is a function that can be retried
type RetryFunc func() error

// RetryWithConfig runs fn until it succeeds, fails with a non-retryable error,
// exhausts the bounded attempt budget or ctx is done.
func RetryWithConfig(ctx context.Context, fn RetryFunc, config *RetryConfig) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	maxAttempts := config.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 1
	}

	var bounded uint
	return retry.Do(
		func() error {
			err := fn()
			if err == nil {
				return nil
			}
			if config.UnboundedNetwork && IsUnbounded(err) {
				return err
			}
			if !IsRetryable(err) {
				return retry.Unrecoverable(err)
			}
			bounded++
			if bounded >= maxAttempts {
				return retry.Unrecoverable(
					WrapRelayerError(err, ErrCodeInternal, "", "maximum retry attempts exceeded").
						WithContext("attempts", bounded),
				)
			}
			return err
		},
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(config.InitialDelay),
		retry.MaxDelay(config.MaxDelay),
		retry.MaxJitter(config.MaxJitter),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			if config.OnRetry != nil {
				config.OnRetry(n+1, err)
			}
		}),
	)
}

// BackoffDelay returns the exponential delay for the given attempt (1-based),
// capped at maxDelay, plus up to baseDelay/2 of random jitter.
func BackoffDelay(attempt uint, baseDelay, maxDelay time.Duration) time.Duration {
	if baseDelay <= 0 {
		return 0
	}
	delay := baseDelay
	for i := uint(1); i < attempt; i++ {
		delay *= 2
		if maxDelay > 0 && delay >= maxDelay {
			delay = maxDelay
			break
		}
	}
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	if half := int64(baseDelay / 2); half > 0 {
		delay += time.Duration(rand.Int64N(half))
	}
	return delay
}
