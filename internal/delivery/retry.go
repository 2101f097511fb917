package delivery

import (
	"context"
	"math"
	"strings"
	"time"
)

// RetryPolicy controls how failed deliveries are retried with exponential
// backoff.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryPolicy returns a RetryPolicy with sensible defaults:
// 3 attempts, 1s initial delay, 2x multiplier, 30s max delay.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
	}
}

// ShouldRetry returns true if the error is retryable and the attempt count
// has not exceeded MaxAttempts.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if attempt > p.MaxAttempts {
		return false
	}
	return p.isRetryable(err)
}

// isRetryable classifies errors by message. Network trouble is transient,
// rejected credentials or addresses are permanent, anything else is retried.
func (p *RetryPolicy) isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "temporary failure") ||
		strings.Contains(msg, "too many requests") {
		return true
	}

	if strings.Contains(msg, "invalid") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "chat not found") ||
		strings.Contains(msg, "mailbox unavailable") {
		return false
	}

	return true
}

// NextDelay returns the backoff delay for the given attempt number (1-indexed).
// The delay is InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p *RetryPolicy) NextDelay(attempt int) time.Duration {
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Execute runs fn up to MaxAttempts times, waiting between retries with
// exponential backoff. It returns nil on success, the last error when all
// attempts fail or the error is permanent, and ctx.Err() when ctx ends while
// waiting.
func (p *RetryPolicy) Execute(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !p.ShouldRetry(err, attempt) {
			return err
		}
		if attempt < p.MaxAttempts {
			timer := time.NewTimer(p.NextDelay(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return lastErr
}
