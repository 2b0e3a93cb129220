// Package circuitbreaker tracks consecutive failures per key (an agent
// host) and short-circuits calls while a key is open.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

type keyState struct {
	state               State
	consecutiveFailures int
	openedAt            time.Time
}

// CircuitBreaker is safe for concurrent use. A threshold <= 0 disables it.
type CircuitBreaker struct {
	mu        sync.Mutex
	states    map[string]*keyState
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

func New(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		states:    make(map[string]*keyState),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// WithClock replaces the time source.
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.now = now
	return cb
}

// Allow returns ErrCircuitOpen if key is open, or half-open with a trial call
// already in flight. The first call after the cooldown lets one trial call through.
func (cb *CircuitBreaker) Allow(key string) error {
	if cb.threshold <= 0 {
		return nil
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[key]
	if !ok {
		return nil
	}

	switch s.state {
	case StateOpen:
		if cb.now().Sub(s.openedAt) >= cb.cooldown {
			s.state = StateHalfOpen
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (cb *CircuitBreaker) RecordSuccess(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	delete(cb.states, key)
}

func (cb *CircuitBreaker) RecordFailure(key string) {
	if cb.threshold <= 0 {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[key]
	if !ok {
		s = &keyState{state: StateClosed}
		cb.states[key] = s
	}

	s.consecutiveFailures++
	if s.state == StateHalfOpen || s.consecutiveFailures >= cb.threshold {
		s.state = StateOpen
		s.openedAt = cb.now()
	}
}

// State reports the current state of key without side effects.
func (cb *CircuitBreaker) State(key string) State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[key]
	if !ok {
		return StateClosed
	}
	return s.state
}
