// Package backoff computes capped exponential retry delays.
package backoff

import (
	"math/rand"
	"time"
)

// Policy doubles Base for every attempt up to Max. With Jitter the delay
// moves randomly within +/-15%.
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter bool
}

// Delay returns the wait before retry number attempt, counting from zero.
func (p Policy) Delay(attempt int) time.Duration {
	delay := p.Base
	for i := 0; i < attempt && delay < p.Max; i++ {
		delay *= 2
	}
	if delay > p.Max {
		delay = p.Max
	}
	if p.Jitter {
		jitter := time.Duration(rand.Float64() * float64(delay) * 0.3)
		delay = delay + jitter - time.Duration(float64(delay)*0.15)
	}
	return delay
}
