package pipeline

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// Policy configures retries of a single remote write.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
	// MaxDelay caps a single backoff wait. Zero means no cap.
	MaxDelay time.Duration
}

// Backoff returns the wait before retry number attempt (0-based):
// base * multiplier^attempt.
func Backoff(attempt int, base time.Duration, multiplier float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if multiplier <= 0 {
		multiplier = 1
	}
	return time.Duration(float64(base) * math.Pow(multiplier, float64(attempt)))
}

// Delay returns the capped backoff for the given retry.
func (p Policy) Delay(attempt int) time.Duration {
	d := Backoff(attempt, p.BaseDelay, p.Multiplier)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Sleeper blocks for a duration or until ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function to Sleeper.
type SleeperFunc func(ctx context.Context, d time.Duration) error

func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error { return f(ctx, d) }

// RealSleeper waits on a timer.
var RealSleeper Sleeper = SleeperFunc(func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
})

// Retrier runs an operation under a Policy.
type Retrier struct {
	Policy  Policy
	Sleeper Sleeper
	Logger  *slog.Logger
}

// Do calls op until it succeeds, fails with a non-retryable error, or the
// retry budget is spent. Non-retryable errors are returned unchanged;
// exhaustion is reported as *ExhaustedRetriesError.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	sleeper := r.Sleeper
	if sleeper == nil {
		sleeper = RealSleeper
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	attempts := r.Policy.MaxRetries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		lastErr = err

		if attempt == attempts-1 {
			break
		}
		wait := r.Policy.Delay(attempt)
		logger.Warn("Retryable failure, backing off",
			"attempt", attempt+1,
			"max_attempts", attempts,
			"wait", wait,
			"error", err)
		if err := sleeper.Sleep(ctx, wait); err != nil {
			return err
		}
	}

	return &ExhaustedRetriesError{Attempts: attempts, Err: lastErr}
}

// Throttle is the mandatory pause between distinct records in a batch.
type Throttle struct {
	Delay   time.Duration
	Jitter  time.Duration
	Sleeper Sleeper
}

// Wait sleeps Delay plus a random share of Jitter.
func (t Throttle) Wait(ctx context.Context) error {
	d := t.Delay
	if t.Jitter > 0 {
		d += rand.N(t.Jitter)
	}
	sleeper := t.Sleeper
	if sleeper == nil {
		sleeper = RealSleeper
	}
	slog.Debug("Throttling before next record", "wait", d)
	return sleeper.Sleep(ctx, d)
}
