package governance

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is in the open state.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the state of a circuit breaker.
type State string

const (
	// StateClosed indicates the circuit is closed and calls are allowed.
	StateClosed State = "closed"
	// StateOpen indicates the circuit is open and calls are rejected.
	StateOpen State = "open"
	// StateHalfOpen indicates the circuit is probing for recovery.
	StateHalfOpen State = "half-open"
)

// BreakerConfig defines thresholds for circuit breaking.
type BreakerConfig struct {
	// MaxFailures is the consecutive failure count that opens the circuit.
	MaxFailures int
	// OpenTimeout is how long the circuit stays open before probing.
	OpenTimeout time.Duration
	// HalfOpenProbes is the number of successful probes required to close
	// the circuit again.
	HalfOpenProbes int
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures:    5,
		OpenTimeout:    30 * time.Second,
		HalfOpenProbes: 2,
	}
}

// Breaker implements the circuit breaker pattern around engine calls.
type Breaker struct {
	mu                   sync.Mutex
	config               BreakerConfig
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time
	now                  func() time.Time
}

// NewBreaker creates a circuit breaker with the provided configuration.
func NewBreaker(config BreakerConfig) *Breaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = DefaultBreakerConfig().MaxFailures
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = DefaultBreakerConfig().OpenTimeout
	}
	if config.HalfOpenProbes <= 0 {
		config.HalfOpenProbes = DefaultBreakerConfig().HalfOpenProbes
	}
	return &Breaker{
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
}

// State returns the current breaker state, accounting for open-timeout expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// Execute wraps a call with circuit breaker protection.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := fn(ctx)
	b.record(err)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.currentState() == StateOpen {
		return ErrCircuitOpen
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentState()

	if err != nil {
		b.consecutiveSuccesses = 0
		b.consecutiveFailures++
		// A failed probe reopens immediately; in closed state the threshold
		// applies.
		if state == StateHalfOpen || b.consecutiveFailures >= b.config.MaxFailures {
			b.state = StateOpen
			b.openedAt = b.now()
		}
		return
	}

	b.consecutiveFailures = 0
	if state == StateHalfOpen {
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.config.HalfOpenProbes {
			b.state = StateClosed
			b.consecutiveSuccesses = 0
		}
	}
}

// currentState must be called with the mutex held.
func (b *Breaker) currentState() State {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.config.OpenTimeout {
		b.state = StateHalfOpen
		b.consecutiveSuccesses = 0
	}
	return b.state
}
