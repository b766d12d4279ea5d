package openpayments

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/goliatone/go-tandas/core"
	"github.com/goliatone/go-tandas/transport"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("openpayments: circuit breaker open")

type CircuitBreakerConfig struct {
	MaxFailures  int
	ResetTimeout time.Duration
	Now          func() time.Time
}

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// CircuitBreaker stops calling a failing server after MaxFailures
// consecutive failures and lets one trial request through after ResetTimeout.
type CircuitBreaker struct {
	mu         sync.Mutex
	maxFails   int
	resetAfter time.Duration
	now        func() time.Time

	state          circuitState
	failures       int
	openedAt       time.Time
	halfOpenFlight bool
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	maxFails := cfg.MaxFailures
	if maxFails < 1 {
		maxFails = 1
	}
	resetAfter := cfg.ResetTimeout
	if resetAfter <= 0 {
		resetAfter = 30 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		maxFails:   maxFails,
		resetAfter: resetAfter,
		now:        now,
		state:      circuitClosed,
	}
}

// Execute runs fn unless the breaker is open. Only errors accepted by counts
// move the breaker toward open; a nil counts treats every error as a failure.
func (c *CircuitBreaker) Execute(fn func() error, counts func(error) bool) error {
	if c == nil {
		return fn()
	}

	now := c.now()

	c.mu.Lock()
	switch c.state {
	case circuitOpen:
		if now.Sub(c.openedAt) < c.resetAfter {
			c.mu.Unlock()
			return ErrCircuitOpen
		}
		c.state = circuitHalfOpen
	case circuitHalfOpen:
		if c.halfOpenFlight {
			c.mu.Unlock()
			return ErrCircuitOpen
		}
	}
	if c.state == circuitHalfOpen {
		c.halfOpenFlight = true
	}
	c.mu.Unlock()

	err := fn()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == circuitHalfOpen {
		c.halfOpenFlight = false
	}

	if err == nil || (counts != nil && !counts(err)) {
		c.state = circuitClosed
		c.failures = 0
		return err
	}

	if c.state == circuitHalfOpen {
		c.state = circuitOpen
		c.openedAt = now
		c.failures = 0
		return err
	}

	c.failures++
	if c.failures >= c.maxFails {
		c.state = circuitOpen
		c.openedAt = now
	}
	return err
}

// Open reports whether calls are currently rejected.
func (c *CircuitBreaker) Open() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == circuitOpen && c.now().Sub(c.openedAt) < c.resetAfter
}

// Reliability wraps protocol calls with retry and a shared circuit breaker.
type Reliability struct {
	Retry   core.RetryPolicy
	Breaker *CircuitBreaker
}

func DefaultReliability(cfg core.ProtocolConfig) Reliability {
	return Reliability{
		Retry: core.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
			ShouldRetry: transport.Retryable,
		},
		Breaker: NewCircuitBreaker(CircuitBreakerConfig{
			MaxFailures:  cfg.Breaker.FailureThreshold,
			ResetTimeout: cfg.Breaker.Cooldown,
		}),
	}
}

// Do retries fn while it fails with a retryable transport error.
func (r Reliability) Do(ctx context.Context, fn func() error) error {
	policy := r.Retry
	if policy.ShouldRetry == nil {
		policy.ShouldRetry = transport.Retryable
	}
	err := policy.Do(ctx, func() error {
		return r.Breaker.Execute(fn, transport.Retryable)
	})
	return breakerError(err)
}

// Once runs fn a single time behind the breaker. Used for calls that move
// money and must never be repeated blindly.
func (r Reliability) Once(fn func() error) error {
	return breakerError(r.Breaker.Execute(fn, transport.Retryable))
}

func breakerError(err error) error {
	if errors.Is(err, ErrCircuitOpen) {
		return core.ProtocolError(core.ErrorProtocolFailed, "payment network is temporarily unavailable", err)
	}
	return err
}
