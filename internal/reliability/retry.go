package reliability

import (
	"context"
	"math"
	"time"
)

// ExponentialBackoff is a delay schedule growing by Multiplier from
// InitialInterval up to MaxInterval. It never gives up; callers bound it
// with a context.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// NewExponentialBackoff creates a new exponential backoff schedule
func NewExponentialBackoff(initial, max time.Duration, multiplier float64) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
	}
}

// ReconnectBackoff is the broker reconnection schedule: 5s doubling up to 60s,
// retried forever.
func ReconnectBackoff() *ExponentialBackoff {
	return NewExponentialBackoff(5*time.Second, 60*time.Second, 2.0)
}

// NextDelay returns the delay before the given zero-based attempt
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	multiplier := e.Multiplier
	if multiplier <= 0 {
		multiplier = 1
	}

	delay := float64(e.InitialInterval) * math.Pow(multiplier, float64(attempt))

	// Cap at max interval; also guards against overflow to +Inf
	if e.MaxInterval > 0 && (delay > float64(e.MaxInterval) || math.IsInf(delay, 0)) {
		delay = float64(e.MaxInterval)
	}

	return time.Duration(delay)
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
