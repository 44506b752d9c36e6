package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"seriesview/internal/logger"
)

// Config controls backoff.
type Config struct {
	MaxAttempts     int           // total attempts including the first
	InitialInterval time.Duration // wait before the second attempt
	MaxInterval     time.Duration // cap for the exponential wait
	Multiplier      float64       // growth per attempt
	MaxJitter       time.Duration // random extra wait in [0, MaxJitter)
}

// DefaultConfig is tuned for source reads.
var DefaultConfig = Config{
	MaxAttempts:     3,
	InitialInterval: 100 * time.Millisecond,
	MaxInterval:     5 * time.Second,
	Multiplier:      2.0,
	MaxJitter:       50 * time.Millisecond,
}

// RetryableError marks an error as transient.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable error: %v", e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError wraps err as transient.
func NewRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err was marked transient.
func IsRetryable(err error) bool {
	var retryableErr *RetryableError
	return errors.As(err, &retryableErr)
}

// Func is one attempt.
type Func func(ctx context.Context) error

// Do runs fn until it succeeds, returns a non-retryable error, ctx is done
// or MaxAttempts is reached.
func Do(ctx context.Context, config Config, operation string, fn Func) error {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 1
	}

	var lastErr error
	interval := config.InitialInterval

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				logger.LogInfo(ctx, "operation succeeded after retry",
					zap.String("operation", operation),
					zap.Int("attempts", attempt))
			}
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == config.MaxAttempts {
			break
		}

		wait := interval
		if config.MaxJitter > 0 {
			wait += time.Duration(rand.Int63n(int64(config.MaxJitter)))
		}
		logger.LogWarn(ctx, "retrying operation",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", config.MaxAttempts),
			zap.Duration("wait", wait),
			zap.Error(err))

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}

		interval = time.Duration(float64(interval) * config.Multiplier)
		if config.MaxInterval > 0 && interval > config.MaxInterval {
			interval = config.MaxInterval
		}
	}

	logger.LogWarn(ctx, "max retry attempts exceeded",
		zap.String("operation", operation),
		zap.Error(lastErr))
	return fmt.Errorf("max retry attempts (%d) exceeded for %s: %w", config.MaxAttempts, operation, lastErr)
}
