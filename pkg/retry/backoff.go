// Package retry provides exponential backoff with jitter for transient
// storage backend failures.
//
//	cfg := retry.BackoffConfig{
//		InitialInterval: 200 * time.Millisecond,
//		MaxInterval:     5 * time.Second,
//		Multiplier:      2.0,
//		Jitter:          true,
//		MaxRetries:      3,
//	}
//
//	err := retry.WithRetry(ctx, "s3 put", cfg, func() error {
//		return putObject()
//	})
//
// A function returns retry.Stop(err) for failures that retrying cannot fix
// (not found, permission denied); WithRetry then returns err unwrapped.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/migadu/mailspool/config"
	"github.com/migadu/mailspool/logger"
)

type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
	MaxRetries      int
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      3,
	}
}

// FromConfig converts a [*.retry] section, falling back to the defaults for
// unparsable durations.
func FromConfig(rc config.RetryConfig) BackoffConfig {
	cfg := DefaultBackoffConfig()
	if d, err := rc.GetInitialInterval(); err == nil {
		cfg.InitialInterval = d
	}
	if d, err := rc.GetMaxInterval(); err == nil {
		cfg.MaxInterval = d
	}
	cfg.Multiplier = rc.GetMultiplier()
	cfg.MaxRetries = rc.GetMaxRetries()
	return cfg
}

// ExponentialBackoff returns the delay before retry number attempt (1-based).
func ExponentialBackoff(config BackoffConfig) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt <= 0 {
			return config.InitialInterval
		}

		interval := float64(config.InitialInterval) * math.Pow(config.Multiplier, float64(attempt-1))
		if interval > float64(config.MaxInterval) {
			interval = float64(config.MaxInterval)
		}

		duration := time.Duration(interval)
		if config.Jitter && duration > 1 {
			jitter := time.Duration(rand.Int63n(int64(duration / 2)))
			duration = duration/2 + jitter
		}

		return duration
	}
}

type RetryableFunc func() error

// WithRetry calls fn until it succeeds, returns a StopError, the retry budget
// is spent or ctx is done.
func WithRetry(ctx context.Context, op string, config BackoffConfig, fn RetryableFunc) error {
	backoff := ExponentialBackoff(config)

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		attempts = attempt + 1
		if attempt > 0 {
			timer := time.NewTimer(backoff(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("%s: retry cancelled by context: %w", op, ctx.Err())
			case <-timer.C:
			}
		}

		err := fn()
		if err == nil {
			return nil
		}

		var stopErr StopError
		if errors.As(err, &stopErr) {
			return stopErr.Err
		}
		lastErr = err
		if attempt < config.MaxRetries {
			logger.Debug("Retry: transient failure", "op", op, "attempt", attempts, "max_attempts", config.MaxRetries+1, "error", err)
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, attempts, lastErr)
}

// StopError wraps an error to indicate that retries should stop immediately
type StopError struct {
	Err error
}

func (s StopError) Error() string {
	return s.Err.Error()
}

func (s StopError) Unwrap() error {
	return s.Err
}

// Stop wraps an error to indicate that retries should stop immediately
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return StopError{Err: err}
}

// IsStopError checks if an error is a StopError
func IsStopError(err error) bool {
	var stopErr StopError
	return errors.As(err, &stopErr)
}
