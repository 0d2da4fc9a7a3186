// Package retry holds the reconnection arithmetic: exponential backoff with
// jitter and a consecutive-failure circuit breaker.
package retry

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// NextDelay computes base*multiplier^(attempt-1), scales it by a jitter
// factor of 0.5+0.5*u and clamps the result to max. u must be in [0, 1).
// An attempt below 1 is treated as the first attempt.
func NextDelay(attempt int, base, max time.Duration, multiplier, u float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if multiplier < 1 {
		multiplier = 1
	}
	if u < 0 {
		u = 0
	} else if u >= 1 {
		u = math.Nextafter(1, 0)
	}

	exponential := float64(base) * math.Pow(multiplier, float64(attempt-1))
	delay := exponential * (0.5 + 0.5*u)
	if math.IsInf(delay, 0) || math.IsNaN(delay) || delay > float64(max) {
		return max
	}
	return time.Duration(delay)
}

// Policy is NextDelay bound to its parameters and a random source.
type Policy struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64

	mu   sync.Mutex
	rand *rand.Rand
}

func NewPolicy(base, max time.Duration, multiplier float64) *Policy {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if multiplier < 1 {
		multiplier = 2
	}
	return &Policy{
		Base:       base,
		Max:        max,
		Multiplier: multiplier,
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithSource replaces the random source, mainly for deterministic tests.
func (p *Policy) WithSource(src rand.Source) *Policy {
	p.mu.Lock()
	p.rand = rand.New(src)
	p.mu.Unlock()
	return p
}

func (p *Policy) NextDelay(attempt int) time.Duration {
	p.mu.Lock()
	u := p.rand.Float64()
	p.mu.Unlock()
	return NextDelay(attempt, p.Base, p.Max, p.Multiplier, u)
}

// Bounds returns the interval NextDelay(attempt) falls in.
func (p *Policy) Bounds(attempt int) (lo, hi time.Duration) {
	return NextDelay(attempt, p.Base, p.Max, p.Multiplier, 0),
		NextDelay(attempt, p.Base, p.Max, p.Multiplier, math.Nextafter(1, 0))
}
