package executor

import (
	"context"
	"errors"
	"net"
	"time"

	"talon/internal/logger"
)

// maxAttempts bounds the retry budget for transient failures.
const maxAttempts = 3

// retryBase is the first backoff delay; each attempt doubles it.
const retryBase = 500 * time.Millisecond

// withRetry runs fn up to maxAttempts times, backing off exponentially
// between transient failures. Permanent failures return immediately.
// After the budget is spent the last error is reclassified as exhausted:
// the caller must treat the intent as not executed and reconcile before
// trusting local state.
func withRetry(ctx context.Context, op string, base time.Duration, fn func(context.Context) error) error {
	if base <= 0 {
		base = retryBase
	}
	var lastErr error
	delay := base
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if KindOf(err) != KindTransient {
			return err
		}
		lastErr = err
		if attempt == maxAttempts {
			break
		}
		logger.Warnf("%s attempt %d/%d failed, retrying in %s: %v", op, attempt, maxAttempts, delay, err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &ExecutionError{Kind: KindExhausted, Op: op, Err: ctx.Err()}
		case <-timer.C:
		}
		delay *= 2
	}
	return &ExecutionError{Kind: KindExhausted, Op: op, Err: errors.Unwrap(lastErr)}
}

// isNetTransient recognizes transport-level failures worth retrying.
func isNetTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
