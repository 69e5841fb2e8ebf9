// Package circuitbreaker guards repeated calls against a failing
// collaborator. The breaker opens once failures inside the sliding
// window exceed the limit and lets a single probe through after the
// cooldown.
package circuitbreaker

import (
	"sync"
	"time"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

type Breaker struct {
	maxFailures int
	window      time.Duration
	cooldown    time.Duration

	mu       sync.Mutex
	state    State
	failures []time.Time
	openedAt time.Time
}

func New(maxFailures int, cooldown time.Duration) *Breaker {
	return NewWithWindow(maxFailures, cooldown, 60*time.Second)
}

func NewWithWindow(maxFailures int, cooldown, window time.Duration) *Breaker {
	return &Breaker{
		maxFailures: maxFailures,
		window:      window,
		cooldown:    cooldown,
		state:       StateClosed,
		failures:    make([]time.Time, 0),
	}
}

// Allow reports whether a call may go out. While open it returns false
// until the cooldown elapses, then goes half-open; the next Success or
// Failure settles the state.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if time.Since(b.openedAt) < b.cooldown {
			return false
		}
		b.state = StateHalfOpen
	}
	return true
}

func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.prune(time.Now())
	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.failures = b.failures[:0]
	}
}

func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.failures = append(b.failures, now)
	b.prune(now)

	if b.state == StateHalfOpen || len(b.failures) > b.maxFailures {
		b.state = StateOpen
		b.openedAt = now
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}
