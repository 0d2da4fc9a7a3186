package retry

import (
	"sync"
	"time"
)

const DefaultMaxWait = 5 * time.Minute

// CircuitBreaker counts consecutive failures. Once the count reaches the
// threshold the circuit stays open for the cooldown, measured from the later
// of the last success and the failure that tripped it. A single success
// closes it again.
type CircuitBreaker struct {
	mu sync.Mutex

	threshold int
	cooldown  time.Duration
	maxWait   time.Duration

	consecutiveFailures int
	lastSuccess         time.Time
	trippedAt           time.Time
	lastError           error

	now func() time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown < 0 {
		cooldown = 0
	}
	cb := &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		maxWait:   DefaultMaxWait,
		now:       time.Now,
	}
	cb.lastSuccess = cb.now()
	return cb
}

// WithMaxWait caps RemainingCooldown. Zero or negative keeps the default.
func (cb *CircuitBreaker) WithMaxWait(d time.Duration) *CircuitBreaker {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if d > 0 {
		cb.maxWait = d
	}
	return cb
}

// WithClock swaps the time source.
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
	cb.lastSuccess = now()
	return cb
}

func (cb *CircuitBreaker) OnSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
	cb.lastSuccess = cb.now()
	cb.trippedAt = time.Time{}
	cb.lastError = nil
}

func (cb *CircuitBreaker) OnFailure(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures++
	cb.lastError = err
	if cb.consecutiveFailures < cb.threshold {
		return
	}
	// Re-trip on every failure past the threshold whose cooldown already ran out.
	if cb.trippedAt.IsZero() || cb.elapsedLocked() >= cb.cooldown {
		cb.trippedAt = cb.now()
	}
}

func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.openLocked()
}

// RemainingCooldown is how long a caller should wait before the next attempt,
// capped at the max wait. Zero when the circuit is closed.
func (cb *CircuitBreaker) RemainingCooldown() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.openLocked() {
		return 0
	}
	remaining := cb.cooldown - cb.elapsedLocked()
	if remaining > cb.maxWait {
		remaining = cb.maxWait
	}
	return remaining
}

func (cb *CircuitBreaker) ConsecutiveFailures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFailures
}

func (cb *CircuitBreaker) LastSuccess() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.lastSuccess
}

func (cb *CircuitBreaker) LastError() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.lastError
}

func (cb *CircuitBreaker) openLocked() bool {
	if cb.consecutiveFailures < cb.threshold {
		return false
	}
	return cb.elapsedLocked() < cb.cooldown
}

func (cb *CircuitBreaker) elapsedLocked() time.Duration {
	ref := cb.lastSuccess
	if cb.trippedAt.After(ref) {
		ref = cb.trippedAt
	}
	return cb.now().Sub(ref)
}
