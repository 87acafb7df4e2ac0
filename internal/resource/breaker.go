package resource

import (
	"sync"
	"time"
)

// breaker is a per-model circuit breaker: a plain failure counter plus
// a last-failure timestamp against a fixed threshold and window. Once
// open it stays open until the window elapses past the last failure;
// a success alone never closes it.
type breaker struct {
	mu            sync.Mutex
	failures      int
	lastFailureTS time.Time
	threshold     int
	window        time.Duration
	now           func() time.Time
}

func newBreaker(threshold int, window time.Duration, now func() time.Time) *breaker {
	return &breaker{threshold: threshold, window: window, now: now}
}

// Allow reports whether an admission may proceed. It does not itself
// count as a failure or a success.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failures < b.threshold {
		return true
	}
	if b.now().Sub(b.lastFailureTS) > b.window {
		b.failures = 0
		return true
	}
	return false
}

// RecordFailure stamps a failure. Successful operations never call this;
// the breaker only closes again once the window elapses past the last
// recorded failure.
func (b *breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailureTS = b.now()
}

// Open reports the breaker's current state without mutating it.
func (b *breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures < b.threshold {
		return false
	}
	return b.now().Sub(b.lastFailureTS) <= b.window
}
