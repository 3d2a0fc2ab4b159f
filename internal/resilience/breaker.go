package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// BreakerState is the circuit's current position.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// CircuitOpenError is returned without any network attempt while the
// circuit is open.
type CircuitOpenError struct {
	Dependency string
	RetryAt    time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s until %s", e.Dependency, e.RetryAt.Format(time.RFC3339))
}

// BreakerConfig tunes a single breaker.
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
}

// DefaultBreakerConfig matches the gateway defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// Breaker tracks consecutive failures for one upstream dependency. One
// instance per dependency; failures on one upstream never trip another's
// circuit. Construct explicitly and inject, never share as a global.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu           sync.Mutex
	state        BreakerState
	failureCount int
	successCount int
	nextAttempt  time.Time
}

// NewBreaker creates a closed breaker for the named dependency.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Breaker{name: name, cfg: cfg, state: StateClosed}
}

// Name returns the dependency this breaker guards.
func (b *Breaker) Name() string { return b.name }

// State reports the current state, applying the open→half_open transition
// if the cooldown has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && !time.Now().Before(b.nextAttempt) {
		return StateHalfOpen
	}
	return b.state
}

// Do runs op unless the circuit is open, recording the outcome.
// Non-retryable upstream answers (authentication, invalid request) count
// as responses, not as dependency failures.
func (b *Breaker) Do(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := op(ctx)
	if err == nil {
		b.recordSuccess()
		return nil
	}

	class := Classify(err)
	if class.Kind == KindAuthentication || class.Kind == KindInvalidRequest {
		b.recordSuccess()
	} else {
		b.recordFailure()
	}
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Now().Before(b.nextAttempt) {
			return &CircuitOpenError{Dependency: b.name, RetryAt: b.nextAttempt}
		}
		// Cooldown elapsed: allow a trial call.
		b.state = StateHalfOpen
		b.successCount = 0
	}
	return nil
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failureCount = 0
			b.successCount = 0
		}
	case StateClosed:
		b.failureCount = 0
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		// A failed trial reopens immediately.
		b.trip()
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.trip()
		}
	}
}

// trip moves to open; caller holds the lock.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.successCount = 0
	b.nextAttempt = time.Now().Add(b.cfg.Timeout)
}
