package stages

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/postforge/postforge/pkg/schema"
)

// IsRetryableError classifies whether a capability error should be retried.
// Retryable: network errors, timeouts, capability failures. Non-retryable:
// validation errors, preconditions, cancellation.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Deadline exceeded is a per-call timeout, retryable.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Context cancelled means the workflow is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	// PipelineError checks its own code.
	var perr *schema.PipelineError
	if errors.As(err, &perr) {
		return perr.IsRetryable()
	}

	// Network errors are retryable.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// String heuristics for common transient patterns.
	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// ComputeBackoff calculates the exponential delay before retry attempt n
// (0-based), capped at maxDelay.
func ComputeBackoff(base time.Duration, attempt int, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if maxDelay > 0 && delay >= maxDelay {
			return maxDelay
		}
	}
	if maxDelay > 0 && delay > maxDelay {
		return maxDelay
	}
	return delay
}

// WaitForBackoff sleeps for the delay or returns early if the context is
// cancelled during the wait.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
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
