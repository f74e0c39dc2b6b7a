package engine

import (
	"math/rand/v2"
	"time"
)

// Backoff returns the delay before retry number attempt (1-based): the
// base delay doubling per attempt, capped, with ±20% jitter so a fleet
// of queued items reconnecting together does not retry in lockstep.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	if d > max {
		d = max
	}

	// ±20% jitter
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	return time.Duration(float64(d) * jitter)
}
