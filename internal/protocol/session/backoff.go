package session

import (
	"math"
	"math/rand"
	"time"
)

// Delay returns the retry delay for attempt N (1-based). With jitter the
// delay is scaled into [0.5, 1.5); a nil rng uses the midpoint.
func (b BackoffConfig) Delay(attempt int, rng *rand.Rand) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult < 1.0 {
		mult = 1.0
	}
	exp := attempt - 1
	if exp < 0 {
		exp = 0
	}
	delay := float64(b.InitialDelay) * math.Pow(mult, float64(exp))
	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		delay = float64(b.MaxDelay)
	}
	if b.Jitter {
		f := 1.0
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay *= f
	}
	return time.Duration(delay)
}
