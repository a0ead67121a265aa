package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetryConfig bounds a retried operation.
type RetryConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// Attempts is the total number of tries. Default: 3.
	Attempts int

	// BaseDelay is the wait before the second attempt; it doubles after
	// every further failure. Default: 100ms.
	BaseDelay time.Duration
}

func (cfg *RetryConfig) applyDefaults() {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
}

// Retry runs fn up to cfg.Attempts times with exponential backoff between
// failures. It returns nil on the first success, ctx.Err() if the context is
// cancelled while backing off, and the last failure otherwise.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	_, err := RetryWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryWithResult is [Retry] for operations that produce a value, such as
// opening a provider stream. This is a package-level function because Go
// does not support method-level type parameters.
func RetryWithResult[R any](ctx context.Context, cfg RetryConfig, fn func() (R, error)) (R, error) {
	cfg.applyDefaults()

	var (
		zero    R
		lastErr error
	)
	delay := cfg.BaseDelay
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
			delay *= 2
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if attempt < cfg.Attempts {
			slog.Warn("operation failed, retrying",
				"name", cfg.Name, "attempt", attempt, "error", err)
		}
	}
	return zero, fmt.Errorf("%s: %d attempts failed: %w", cfg.Name, cfg.Attempts, lastErr)
}
