package outbox

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays: base * multiplier^attempt, capped at Max,
// optionally jittered by ±JitterFactor. Absent jitter the delay is
// non-decreasing in the attempt number.
type Backoff struct {
	Base         time.Duration
	Max          time.Duration
	Multiplier   float64
	Jitter       bool
	JitterFactor float64
}

// DefaultBackoff returns the retry policy used when none is configured.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:         time.Second,
		Max:          5 * time.Minute,
		Multiplier:   2,
		Jitter:       true,
		JitterFactor: 0.2,
	}
}

// Delay returns the wait before retry number attempt (1-based; values
// below 1 are treated as 1).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	multiplier := b.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	delay := float64(b.Base) * math.Pow(multiplier, float64(attempt-1))
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}

	if b.Jitter && b.JitterFactor > 0 {
		factor := b.JitterFactor
		if factor > 1 {
			factor = 1
		}
		// Uniform in [1-factor, 1+factor).
		delay *= 1 - factor + 2*factor*rand.Float64()
		if b.Max > 0 && delay > float64(b.Max) {
			delay = float64(b.Max)
		}
	}

	if delay > float64(math.MaxInt64) {
		return b.Max
	}
	return time.Duration(delay)
}
