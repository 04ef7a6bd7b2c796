// Package retry implements the exponential backoff wrapper shared by the
// provider adapter and the tool executor.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

type (
	// Config configures retry behavior.
	Config struct {
		// MaxAttempts is the maximum number of attempts including the first.
		// Zero or one means no retries.
		MaxAttempts int
		// BaseDelay is the delay before the first retry. Attempt n sleeps
		// BaseDelay * 2^n (n starting at zero).
		BaseDelay time.Duration
		// MaxDelay caps the computed backoff. Zero means uncapped.
		MaxDelay time.Duration
		// Jitter adds up to +/- Jitter fraction of randomness to each sleep.
		Jitter float64
		// Sleep is injectable for tests. Nil uses a timer honoring ctx.
		Sleep Sleeper
	}

	// Sleeper waits for the given duration or until ctx is done.
	Sleeper func(ctx context.Context, d time.Duration) error

	// Classifier reports whether an error is worth another attempt.
	Classifier func(err error) bool

	// ExhaustedError is returned when every attempt failed with a retriable
	// error.
	ExhaustedError struct {
		Attempts  int
		LastError error
	}
)

// DefaultConfig returns the retry settings used when a call site does not
// configure its own.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Jitter:      0.1,
	}
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all %d attempts failed: %v", e.Attempts, e.LastError)
}

func (e *ExhaustedError) Unwrap() error { return e.LastError }

// Do runs fn with retries. Non-retriable errors return immediately; retriable
// ones sleep the exponential backoff and try again. Exhaustion returns an
// ExhaustedError wrapping the last failure.
func Do(ctx context.Context, cfg Config, retriable Classifier, fn func(ctx context.Context) error) error {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = timerSleep
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if retriable != nil && !retriable(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}
		if err := sleep(ctx, backoff(cfg, attempt)); err != nil {
			return err
		}
	}
	return &ExhaustedError{Attempts: attempts, LastError: lastErr}
}

// backoff computes the sleep before the retry following attempt (zero-based).
func backoff(cfg Config, attempt int) time.Duration {
	d := float64(cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if cfg.MaxDelay > 0 && d > float64(cfg.MaxDelay) {
		d = float64(cfg.MaxDelay)
	}
	if cfg.Jitter > 0 {
		d += d * cfg.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(d)
}

func timerSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
