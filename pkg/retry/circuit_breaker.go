package retry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"seriesview/internal/logger"
)

// CircuitBreakerState is the breaker position.
type CircuitBreakerState int

const (
	CircuitBreakerClosed CircuitBreakerState = iota
	CircuitBreakerOpen
	CircuitBreakerHalfOpen
)

// String returns the lowercase state name used in logs.
func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitBreakerClosed:
		return "closed"
	case CircuitBreakerOpen:
		return "open"
	case CircuitBreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned by Execute while the breaker is open.
var ErrCircuitOpen = fmt.Errorf("circuit breaker is open")

// CircuitBreakerConfig tunes the breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int           // consecutive failures that open the breaker
	RecoveryTimeout  time.Duration // time open before a half-open trial call
	SuccessThreshold int           // half-open successes needed to close
}

// DefaultCircuitBreakerConfig protects a remote store.
var DefaultCircuitBreakerConfig = CircuitBreakerConfig{
	FailureThreshold: 5,
	RecoveryTimeout:  30 * time.Second,
	SuccessThreshold: 2,
}

// CircuitBreaker stops calling a failing dependency for a while.
type CircuitBreaker struct {
	config       CircuitBreakerConfig
	name         string
	mu           sync.Mutex
	state        CircuitBreakerState
	failures     int
	successes    int
	lastFailTime time.Time
	now          func() time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		config: config,
		name:   name,
		state:  CircuitBreakerClosed,
		now:    time.Now,
	}
}

// Execute runs fn unless the breaker is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn Func) error {
	cb.mu.Lock()
	if cb.state == CircuitBreakerOpen {
		if cb.now().Sub(cb.lastFailTime) < cb.config.RecoveryTimeout {
			cb.mu.Unlock()
			return fmt.Errorf("%s: %w", cb.name, ErrCircuitOpen)
		}
		cb.transition(ctx, CircuitBreakerHalfOpen)
		cb.successes = 0
	}
	cb.mu.Unlock()

	err := fn(ctx)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.failures++
		cb.lastFailTime = cb.now()
		if cb.state == CircuitBreakerHalfOpen || cb.failures >= cb.config.FailureThreshold {
			cb.transition(ctx, CircuitBreakerOpen)
		}
		return err
	}

	cb.failures = 0
	if cb.state == CircuitBreakerHalfOpen {
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transition(ctx, CircuitBreakerClosed)
		}
	}
	return nil
}

func (cb *CircuitBreaker) transition(ctx context.Context, to CircuitBreakerState) {
	if cb.state == to {
		return
	}
	logger.LogWarn(ctx, "circuit breaker state change",
		zap.String("breaker", cb.name),
		zap.String("from", cb.state.String()),
		zap.String("to", to.String()))
	cb.state = to
}

// State returns the current position.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
