package queue

import (
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays for failed attempts: the delay doubles
// with each attempt starting from Base, is capped at Max, and gets a
// random spread of ±JitterFraction so retries from correlated failures
// do not land on the same instant.
type Backoff struct {
	Base           time.Duration
	Max            time.Duration
	JitterFraction float64
}

// Delay returns the wait before the next attempt, given how many
// attempts have already run. Attempts below one are treated as one.
func (b Backoff) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	ceiling := b.Max
	if ceiling < base {
		ceiling = base
	}

	// Double iteratively rather than shifting so large attempt counts
	// saturate at the ceiling instead of overflowing.
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= ceiling || delay <= 0 {
			delay = ceiling
			break
		}
	}
	if delay > ceiling {
		delay = ceiling
	}

	if b.JitterFraction > 0 {
		spread := (rand.Float64()*2 - 1) * b.JitterFraction
		delay = time.Duration(float64(delay) * (1 + spread))
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}
