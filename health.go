package keyrotor

import (
	"sync"
	"time"
)

const (
	breakerFailureThreshold = 3
	breakerFailureWindow    = 5 * time.Minute
	breakerOpenPeriod       = 30 * time.Second
)

// HealthState describes the health of the ledger as seen by the breaker.
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthUnhealthy
	HealthHalfOpen
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StoreBreaker is a circuit breaker in front of the ledger. After repeated
// store failures it opens and requests fail fast until the open period has
// elapsed.
type StoreBreaker struct {
	mu          sync.Mutex
	state       HealthState
	failures    []time.Time // sliding window of failure timestamps
	unhealthyAt time.Time
	now         func() time.Time
}

// NewStoreBreaker creates a closed breaker.
func NewStoreBreaker() *StoreBreaker {
	return &StoreBreaker{state: HealthHealthy, now: time.Now}
}

// State returns the current state, moving from unhealthy to half-open once
// the open period has elapsed.
func (b *StoreBreaker) State() HealthState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HealthUnhealthy && b.now().Sub(b.unhealthyAt) >= breakerOpenPeriod {
		b.state = HealthHalfOpen
	}
	return b.state
}

// Allow reports whether a request may reach the ledger.
func (b *StoreBreaker) Allow() bool {
	return b.State() != HealthUnhealthy
}

// RecordSuccess closes the breaker.
func (b *StoreBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = HealthHealthy
	b.failures = b.failures[:0]
}

// RecordFailure records a store failure. A failure while half-open reopens
// the breaker immediately.
func (b *StoreBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HealthUnhealthy {
		return
	}

	now := b.now()
	if b.state == HealthHalfOpen {
		b.state = HealthUnhealthy
		b.unhealthyAt = now
		return
	}

	// Prune old failures outside the window.
	cutoff := now.Add(-breakerFailureWindow)
	valid := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	b.failures = append(valid, now)

	if len(b.failures) >= breakerFailureThreshold {
		b.state = HealthUnhealthy
		b.unhealthyAt = now
	}
}
