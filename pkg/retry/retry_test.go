package retry

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"
)

// customError implements temporary interface for testing
type customError struct {
	message   string
	temporary bool
}

func (e customError) Error() string   { return e.message }
func (e customError) Temporary() bool { return e.temporary }

func immediate(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func TestBackoffDelay(t *testing.T) {
	b := &Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{100, time.Second},
	}

	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.expected {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.expected)
		}
	}
}

func TestBackoffDefaultsMultiplier(t *testing.T) {
	b := &Backoff{Initial: time.Second}
	if got := b.Delay(3); got != 4*time.Second {
		t.Errorf("Delay(3) = %v, want 4s", got)
	}
	if got := (&Backoff{}).Delay(3); got != 0 {
		t.Errorf("zero backoff Delay = %v, want 0", got)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	b := &Backoff{
		Initial:    time.Second,
		Max:        10 * time.Second,
		Multiplier: 2,
		Jitter:     0.5,
		Rand:       rand.New(rand.NewSource(1)),
	}

	for i := 0; i < 200; i++ {
		d := b.Delay(2)
		if d < time.Second || d > 3*time.Second {
			t.Fatalf("jittered delay %v out of [1s, 3s]", d)
		}
	}
}

func TestDefaultRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"context canceled", context.Canceled, false},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"temporary error", customError{"temp", true}, true},
		{"non-temporary error", customError{"not temp", false}, false},
		{"regular error", errors.New("regular"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DefaultRetryable(tt.err); got != tt.expected {
				t.Errorf("DefaultRetryable(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestDoWithRetryableSucceedsAfterRetries(t *testing.T) {
	var calls int32
	var retries []int

	cfg := Config{
		MaxAttempts: 5,
		Backoff:     &Backoff{Initial: time.Millisecond},
		After:       immediate,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			retries = append(retries, attempt)
		},
	}

	err := DoWithRetryable(context.Background(), cfg, func(ctx context.Context) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return customError{"busy", true}
		}
		return nil
	}, DefaultRetryable)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if len(retries) != 2 {
		t.Errorf("expected 2 OnRetry callbacks, got %v", retries)
	}
}

func TestDoWithRetryableStopsOnNonRetryable(t *testing.T) {
	var calls int32
	boom := errors.New("schema missing")

	err := DoWithRetryable(context.Background(), Config{MaxAttempts: 5, After: immediate}, func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return boom
	}, DefaultRetryable)
	if !errors.Is(err, boom) {
		t.Fatalf("expected original error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDoWithRetryableExhaustsAttempts(t *testing.T) {
	tempErr := customError{"temp", true}

	err := DoWithRetryable(context.Background(), Config{MaxAttempts: 3, After: immediate}, func(ctx context.Context) error {
		return tempErr
	}, DefaultRetryable)

	var exceeded *RetriesExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected RetriesExceededError, got %T", err)
	}
	if exceeded.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", exceeded.Attempts)
	}
	if !errors.Is(err, tempErr) {
		t.Errorf("expected wrapped last error")
	}
}

func TestDoWithRetryableRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := DoWithRetryable(ctx, Config{MaxAttempts: 3}, func(ctx context.Context) error {
		t.Fatal("fn must not be called with a canceled context")
		return nil
	}, DefaultRetryable)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"zero attempts", Config{}, true},
		{"defaults backoff", Config{MaxAttempts: 1}, false},
		{"max below initial", Config{MaxAttempts: 1, Backoff: &Backoff{Initial: time.Second, Max: time.Millisecond}}, true},
		{"shrinking multiplier", Config{MaxAttempts: 1, Backoff: &Backoff{Initial: time.Second, Multiplier: 0.5}}, true},
		{"negative elapsed", Config{MaxAttempts: 1, MaxElapsedTime: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			err := cfg.Normalize()
			if (err != nil) != tt.wantErr {
				t.Errorf("Normalize() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
