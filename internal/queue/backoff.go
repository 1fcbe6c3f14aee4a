package queue

import (
	"math/rand"
	"time"
)

// jitteredDelay returns base +/- pct%, capped at max.
func jitteredDelay(base, max time.Duration, pct int) time.Duration {
	if pct <= 0 {
		pct = 25
	}
	delta := (rand.Float64()*2 - 1) * float64(pct) / 100.0
	wait := time.Duration(float64(base) * (1 + delta))
	if wait < 0 {
		wait = base
	}
	if wait > max {
		wait = max
	}
	return wait
}
