// Package backoff holds the retry policy shared by negotiation and the
// fallback relay. It is pure arithmetic: callers keep their own counters.
package backoff

import (
	"math"
	"time"
)

// Policy computes capped exponential delays from a retry count.
type Policy struct {
	Base        time.Duration
	Multiplier  float64
	Cap         time.Duration
	MaxAttempts int
}

// Default bounds the worst-case wait before fallback to well under 20s:
// 1000 + 1500 + 2250 + 3375 + 5062ms.
var Default = Policy{
	Base:        time.Second,
	Multiplier:  1.5,
	Cap:         10 * time.Second,
	MaxAttempts: 5,
}

// Next returns the delay before the retry following the retryCount-th
// failure, and whether the retry budget is spent. Safe for concurrent
// use, there is no shared state.
func (p Policy) Next(retryCount int) (time.Duration, bool) {
	if retryCount < 0 {
		retryCount = 0
	}
	exhausted := retryCount >= p.MaxAttempts

	d := float64(p.Base) * math.Pow(p.Multiplier, float64(retryCount))
	if d > float64(p.Cap) || math.IsInf(d, 1) {
		return p.Cap, exhausted
	}
	return time.Duration(d), exhausted
}
