// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package coordinator

import (
	"math"
	"time"
)

// Backoff computes the delay before the next poll.
type Backoff struct {
	Interval   time.Duration
	Multiplier float64
	Max        time.Duration
}

// Delay returns the wait after the given number of consecutive failures:
// Interval when healthy, then Interval * Multiplier^(failures-1), capped at Max.
func (b Backoff) Delay(failures int) time.Duration {
	if failures <= 0 {
		return b.Interval
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(b.Interval) * math.Pow(mult, float64(failures-1))
	if b.Max > 0 && d > float64(b.Max) {
		return max(b.Max, b.Interval)
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
