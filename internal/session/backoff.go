package session

import (
	"math"
	"time"
)

// Backoff computes the delay before a reconnect attempt.
type Backoff interface {
	// NextDelay returns the delay for the given attempt (1-based).
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff grows the delay by Multiplier per consecutive failure,
// capped at MaxDelay. It is a pure computation so the reconnect schedule is
// testable without timers.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// NextDelay returns the delay for attempt, where attempt 1 is the first
// reconnect after a drop.
func (eb ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(eb.InitialDelay) * math.Pow(eb.Multiplier, float64(attempt-1))
	if delay > float64(eb.MaxDelay) {
		return eb.MaxDelay
	}
	return time.Duration(delay)
}
