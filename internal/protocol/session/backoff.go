package session

import (
	"math/rand"
	"time"
)

// Delay returns the wait before retry attempt (1-based). The base delay
// grows by Multiplier per attempt up to MaxDelay. With Jitter the result is
// drawn uniformly from the upper half of the base delay.
func (c BackoffConfig) Delay(attempt int, rng *rand.Rand) time.Duration {
	if c.InitialDelay <= 0 {
		return 0
	}
	mult := c.Multiplier
	if mult < 1 {
		mult = 1
	}
	base := float64(c.InitialDelay)
	for i := 1; i < attempt; i++ {
		base *= mult
		if c.MaxDelay > 0 && base >= float64(c.MaxDelay) {
			base = float64(c.MaxDelay)
			break
		}
	}
	if c.MaxDelay > 0 && base > float64(c.MaxDelay) {
		base = float64(c.MaxDelay)
	}
	if !c.Jitter || rng == nil {
		return time.Duration(base)
	}
	half := base / 2
	return time.Duration(half + rng.Float64()*half)
}
