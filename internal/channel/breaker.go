package channel

import (
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned while a channel's breaker rejects attempts. It
// is retryable: the item is rescheduled, not failed.
var ErrBreakerOpen = errors.New("channel circuit breaker is open")

// BreakerState is the state of a Breaker.
type BreakerState int

const (
	// BreakerClosed lets every attempt through and counts consecutive failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects attempts until the cool-down elapses.
	BreakerOpen
	// BreakerHalfOpen lets one probe through at a time.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker guards one channel. Only retryable failures count against it; a
// bad address says nothing about the provider's health. It is safe for
// concurrent use.
type Breaker struct {
	mu               sync.Mutex
	state            BreakerState
	failures         int
	successes        int
	probing          bool
	failureThreshold int
	successThreshold int
	cooldown         time.Duration
	openedAt         time.Time
	onChange         func(BreakerState)
}

// NewBreaker trips after failureThreshold consecutive failures, stays open
// for cooldown and closes again after successThreshold successful probes.
// onChange, when set, is called with every new state while the breaker's
// lock is held, so it must not call back into the breaker.
func NewBreaker(failureThreshold, successThreshold int, cooldown time.Duration, onChange func(BreakerState)) *Breaker {
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	if successThreshold < 1 {
		successThreshold = 2
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		cooldown:         cooldown,
		onChange:         onChange,
	}
}

// Allow returns nil when an attempt may proceed and ErrBreakerOpen
// otherwise. Every allowed attempt must be followed by exactly one call to
// Record.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.expireLocked()
	switch b.state {
	case BreakerOpen:
		return ErrBreakerOpen
	case BreakerHalfOpen:
		if b.probing {
			return ErrBreakerOpen
		}
		b.probing = true
	}
	return nil
}

// Record feeds the outcome of an allowed attempt back into the breaker.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	healthy := Classify(err) != Retryable
	switch b.state {
	case BreakerClosed:
		if healthy {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.failureThreshold {
			b.openLocked()
		}
	case BreakerHalfOpen:
		b.probing = false
		if !healthy {
			b.openLocked()
			return
		}
		b.successes++
		if b.successes >= b.successThreshold {
			b.failures = 0
			b.successes = 0
			b.setLocked(BreakerClosed)
		}
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked()
	return b.state
}

func (b *Breaker) openLocked() {
	b.openedAt = time.Now()
	b.successes = 0
	b.probing = false
	b.setLocked(BreakerOpen)
}

func (b *Breaker) expireLocked() {
	if b.state == BreakerOpen && time.Since(b.openedAt) >= b.cooldown {
		b.successes = 0
		b.setLocked(BreakerHalfOpen)
	}
}

func (b *Breaker) setLocked(s BreakerState) {
	if b.state == s {
		return
	}
	b.state = s
	if b.onChange != nil {
		b.onChange(s)
	}
}
