package sync

import (
	"math/rand"
	"time"
)

// backoffDelay returns how long to wait before the next dispatch attempt:
// exponential from base, capped at limit, with ±20% jitter so entries queued
// together don't retry in lockstep. attempt is the number of failed attempts
// so far, starting at 1.
func backoffDelay(base, limit time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= limit {
			delay = limit
			break
		}
	}
	if delay > limit {
		delay = limit
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(delay) * jitter)
}
