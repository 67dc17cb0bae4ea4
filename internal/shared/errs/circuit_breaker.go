// Package errs carries the orchestrator's error taxonomy and the circuit
// breaker used to fail fast on a flapping SCM platform.
package errs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/elephantci/orchestrator/internal/shared/logging"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures breaker thresholds.
type CircuitBreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	OnStateChange    func(from, to CircuitState, name string)
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// CircuitBreaker implements the classic closed/open/half-open pattern,
// guarding the SCM-facing hooks (push_and_create_pr, merge_pr) against
// hammering a rate-limited or down git host.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	logger logging.Logger

	mu        sync.Mutex
	state     CircuitState
	failures  int
	successes int
	openedAt  time.Time
}

// NewCircuitBreaker constructs a named breaker.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig, logger logging.Logger) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &CircuitBreaker{
		name:   name,
		config: cfg,
		logger: logging.OrNop(logger),
		state:  StateClosed,
	}
}

// ErrCircuitOpen is returned when a call is rejected without being attempted.
var ErrCircuitOpen = fmt.Errorf("circuit breaker open")

// Execute runs fn if the circuit allows it, recording the outcome.
func (b *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !b.allow() {
		return fmt.Errorf("%s: %w", b.name, ErrCircuitOpen)
	}
	err := fn(ctx)
	b.record(err == nil)
	return err
}

func (b *CircuitBreaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.openedAt) >= b.config.Timeout {
			b.transition(StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return true
	default:
		return true
	}
}

func (b *CircuitBreaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if success {
		b.failures = 0
		if b.state == StateHalfOpen {
			b.successes++
			if b.successes >= b.config.SuccessThreshold {
				b.transition(StateClosed)
			}
		}
		return
	}
	b.successes = 0
	if b.state == StateHalfOpen {
		b.transition(StateOpen)
		return
	}
	b.failures++
	if b.failures >= b.config.FailureThreshold {
		b.transition(StateOpen)
	}
}

// transition must be called with b.mu held.
func (b *CircuitBreaker) transition(to CircuitState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if to == StateOpen {
		b.openedAt = time.Now()
	}
	if to == StateClosed {
		b.failures = 0
		b.successes = 0
	}
	b.logger.Warn("circuit breaker state change", "name", b.name, "from", from.String(), "to", to.String())
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(from, to, b.name)
	}
}

// State returns the current state (for status reporting/tests).
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
