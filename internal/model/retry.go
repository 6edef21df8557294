package model

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

// RetryConfig bounds transient-failure retries against a backend.
type RetryConfig struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// BaseDelay is the first backoff; each retry doubles it.
	BaseDelay time.Duration
	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration
}

// DefaultRetryConfig returns the default retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}
}

// RetryBackend wraps a Backend with exponential backoff on transient
// failures. A request is only retried while no delta has been delivered:
// once tokens reached the caller a retry would duplicate output, so the
// error is returned as-is.
type RetryBackend struct {
	inner  Backend
	config RetryConfig
}

// NewRetryBackend wraps the given backend with the retry policy.
func NewRetryBackend(inner Backend, config RetryConfig) *RetryBackend {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	return &RetryBackend{inner: inner, config: config}
}

func (b *RetryBackend) Name() string { return b.inner.Name() }

func (b *RetryBackend) Stream(ctx context.Context, req Request, onDelta func(string)) (*Completion, error) {
	var lastErr error
	for attempt := 0; attempt < b.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := waitBackoff(ctx, b.backoff(attempt)); err != nil {
				return nil, err
			}
		}

		delivered := false
		wrapped := onDelta
		if onDelta != nil {
			wrapped = func(delta string) {
				delivered = true
				onDelta(delta)
			}
		}

		completion, err := b.inner.Stream(ctx, req, wrapped)
		if err == nil {
			return completion, nil
		}
		if delivered || !isTransient(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// isTransient classifies whether a backend error is worth retrying.
// Context cancellation never is; network errors always are; everything
// else is matched against common provider failure strings.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"i/o timeout",
		"too many requests",
		"rate limit",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"internal server error",
		"overloaded",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// backoff returns the delay before the given attempt (1-based retries).
func (b *RetryBackend) backoff(attempt int) time.Duration {
	delay := b.config.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	if b.config.MaxDelay > 0 && delay > b.config.MaxDelay {
		delay = b.config.MaxDelay
	}
	return delay
}

func waitBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
