package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"sync"
	"time"
)

// Backoff computes exponential delays: Initial * Multiplier^(attempt-1),
// capped at Max. A zero Jitter yields deterministic delays.
type Backoff struct {
	// Initial is the delay for the first attempt.
	Initial time.Duration
	// Max caps every computed delay (0 = no cap).
	Max time.Duration
	// Multiplier is the growth factor between attempts (defaults to 2).
	Multiplier float64
	// Jitter is the fraction (0..1) of the delay that is randomized
	// symmetrically around it.
	Jitter float64
	// Rand is the random source for jitter (optional).
	Rand *rand.Rand

	mu sync.Mutex
}

// Delay returns the delay before retry number attempt (1-based).
// Attempts below 1 are treated as 1.
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 2
	}

	base := float64(b.Initial)
	if base <= 0 {
		return 0
	}

	delay := base * math.Pow(mult, float64(attempt-1))
	if b.Max > 0 && (delay > float64(b.Max) || math.IsInf(delay, 0) || math.IsNaN(delay)) {
		delay = float64(b.Max)
	}

	if b.Jitter > 0 {
		spread := delay * math.Min(b.Jitter, 1)
		delay = delay - spread + b.float64()*2*spread
		if b.Max > 0 && delay > float64(b.Max) {
			delay = float64(b.Max)
		}
	}

	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

func (b *Backoff) float64() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Rand == nil {
		b.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return b.Rand.Float64()
}

// Config defines retry configuration for Do.
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the first one)
	MaxAttempts int
	// Backoff computes the delay between attempts
	Backoff *Backoff
	// MaxElapsedTime is the maximum total time to spend on retries (0 = no limit)
	MaxElapsedTime time.Duration
	// OnRetry is called on each retry attempt for observability
	OnRetry func(attempt int, err error, nextDelay time.Duration)
	// Now returns current time (for testing, defaults to time.Now)
	Now func() time.Time
	// After creates a timer channel (for testing, defaults to time.After)
	After func(d time.Duration) <-chan time.Time
}

// defaultBackoff is used when Config.Backoff is nil.
func defaultBackoff() *Backoff {
	return &Backoff{
		Initial:    100 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 2,
		Jitter:     0.25,
	}
}

// Normalize validates the configuration and fills optional fields.
func (c *Config) Normalize() error {
	if c.MaxAttempts <= 0 {
		return errors.New("retry: MaxAttempts must be positive")
	}
	if c.Backoff == nil {
		c.Backoff = defaultBackoff()
	}
	if c.Backoff.Initial <= 0 {
		return errors.New("retry: Backoff.Initial must be positive")
	}
	if c.Backoff.Max > 0 && c.Backoff.Max < c.Backoff.Initial {
		return errors.New("retry: Backoff.Max cannot be less than Backoff.Initial")
	}
	if c.Backoff.Multiplier != 0 && c.Backoff.Multiplier < 1 {
		return errors.New("retry: Multiplier must be >= 1.0")
	}
	if c.MaxElapsedTime < 0 {
		return errors.New("retry: MaxElapsedTime cannot be negative")
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.After == nil {
		c.After = time.After
	}
	return nil
}

// RetryableFunc is a function that can be retried
type RetryableFunc func(ctx context.Context) error

// IsRetryableFunc determines if an error should trigger a retry
type IsRetryableFunc func(err error) bool

// RetriesExceededError is returned when retries are exhausted
type RetriesExceededError struct {
	LastError     error
	Attempts      int
	TotalDuration time.Duration
	Reason        string
}

func (e *RetriesExceededError) Error() string {
	return fmt.Sprintf("retry: %s after %s (%d attempts): %v", e.Reason, e.TotalDuration, e.Attempts, e.LastError)
}

func (e *RetriesExceededError) Unwrap() error {
	return e.LastError
}

// DefaultRetryable returns true for temporary network errors and timeouts.
func DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	type temporary interface {
		Temporary() bool
	}
	var t temporary
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return false
}

// DoWithRetryable executes fn until it succeeds, returns a non-retryable
// error, or the attempt/elapsed budget is spent.
func DoWithRetryable(ctx context.Context, config Config, fn RetryableFunc, isRetryable IsRetryableFunc) error {
	cfg := config
	if err := cfg.Normalize(); err != nil {
		return err
	}

	var lastErr error
	start := cfg.Now()

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		if !isRetryable(lastErr) {
			return lastErr
		}

		delay := cfg.Backoff.Delay(attempt)

		if cfg.MaxElapsedTime > 0 {
			elapsed := cfg.Now().Sub(start)
			if elapsed+delay > cfg.MaxElapsedTime {
				return &RetriesExceededError{
					LastError:     lastErr,
					Attempts:      attempt,
					TotalDuration: elapsed,
					Reason:        "max elapsed time exceeded",
				}
			}
		}

		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); delay > remaining {
				delay = remaining
			}
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr, delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cfg.After(delay):
		}
	}

	return &RetriesExceededError{
		LastError:     lastErr,
		Attempts:      cfg.MaxAttempts,
		TotalDuration: cfg.Now().Sub(start),
		Reason:        "max attempts exceeded",
	}
}
