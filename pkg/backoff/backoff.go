// Package backoff provides exponential backoff with jitter for the outbox
// retry schedule and broker reconnect loops.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

const maxShift = 62

// Exponential returns base * 2^attempt with overflow protection.
// Negative attempts are treated as 0.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1) << attempt
	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}

	return base * time.Duration(multiplier)
}

// FullJitter returns a random duration in [0, delay).
// Returns 0 for zero or negative delays.
func FullJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(delay)))
}

// ExponentialWithJitter combines exponential backoff with full jitter,
// returning a random duration in [0, base * 2^attempt).
func ExponentialWithJitter(base time.Duration, attempt int) time.Duration {
	return FullJitter(Exponential(base, attempt))
}

// Policy is a capped exponential backoff schedule. The zero value is not
// usable; construct with the base and cap the caller wants.
type Policy struct {
	Base time.Duration
	Cap  time.Duration
}

// Next returns the delay before the given retry attempt (0-based). The
// result is always strictly positive for a positive base: jitter spans
// [delay/2, delay) so a freshly failed event can never be due immediately.
func (p Policy) Next(attempt int) time.Duration {
	delay := Exponential(p.Base, attempt)
	if p.Cap > 0 && delay > p.Cap {
		delay = p.Cap
	}
	if delay <= 0 {
		return 0
	}

	half := delay / 2
	return half + FullJitter(delay-half)
}
