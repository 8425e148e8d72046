// Package retry provides exponential backoff and a small retry loop.
//
// Backoff is used directly where the caller owns the loop (scheduler failure
// policies, poller error backoff) and through DoWithRetryable where a single operation is
// retried in place (waiting for the database at startup, SQLITE_BUSY).
//
//	b := &retry.Backoff{Initial: time.Second, Max: time.Minute, Multiplier: 2}
//	b.Delay(1) // 1s
//	b.Delay(3) // 4s
//
//	err := retry.DoWithRetryable(ctx, retry.Config{
//	    MaxAttempts: 5,
//	    Backoff:     &retry.Backoff{Initial: 200 * time.Millisecond, Max: 5 * time.Second},
//	    OnRetry: func(attempt int, err error, delay time.Duration) {
//	        logger.Warn("retrying", "attempt", attempt, "delay", delay, "error", err)
//	    },
//	}, fn, retry.DefaultRetryable)
package retry
