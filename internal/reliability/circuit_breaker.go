package reliability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is matched by every rejection of an open breaker
var ErrCircuitOpen = errors.New("reliability: circuit open")

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
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

// StateChangeListener receives circuit breaker state change notifications
type StateChangeListener interface {
	OnStateChange(name string, from, to State)
}

// CircuitOpenError is returned while the breaker refuses calls
type CircuitOpenError struct {
	Name     string
	Failures int
	RetryAt  time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %s open after %d consecutive failures, retry after %s",
		e.Name, e.Failures, e.RetryAt.Format(time.RFC3339))
}

func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// CircuitBreaker stops calling an operation after consecutive failures and
// lets a single trial call through once the cooldown has passed
type CircuitBreaker struct {
	mu        sync.Mutex
	name      string
	state     State
	failures  int
	openedAt  time.Time
	trial     bool
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	listeners []StateChangeListener
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets how many consecutive failures open the breaker
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if threshold > 0 {
			cb.threshold = threshold
		}
	}
}

// WithCooldown sets how long an open breaker refuses calls
func WithCooldown(cooldown time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.cooldown = cooldown
	}
}

// WithName sets the circuit breaker name for identification
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}

// WithStateListener registers listener for state changes
func WithStateListener(listener StateChangeListener) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.listeners = append(cb.listeners, listener)
	}
}

// NewCircuitBreaker creates a closed breaker that opens after 3 consecutive
// failures for 15 minutes unless configured otherwise
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:      "default",
		state:     StateClosed,
		threshold: 3,
		cooldown:  15 * time.Minute,
		now:       time.Now,
	}

	for _, opt := range options {
		opt(cb)
	}

	return cb
}

// Name returns the breaker's name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs fn unless the breaker is open. Failures of fn count towards
// the threshold; cancellation of ctx does not.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.acquire(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.record(err, ctx.Err() != nil)
	return err
}

// State returns the current state. An open breaker whose cooldown has
// passed still reports open until the next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the breaker and forgets failures
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.trial = false
	cb.mu.Unlock()

	cb.notify(from, StateClosed)
}

func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()

	switch cb.state {
	case StateOpen:
		retryAt := cb.openedAt.Add(cb.cooldown)
		if cb.now().Before(retryAt) {
			cb.mu.Unlock()
			return &CircuitOpenError{Name: cb.name, Failures: cb.failures, RetryAt: retryAt}
		}
		cb.state = StateHalfOpen
		cb.trial = true
		cb.mu.Unlock()
		cb.notify(StateOpen, StateHalfOpen)
		return nil

	case StateHalfOpen:
		if cb.trial {
			err := &CircuitOpenError{Name: cb.name, Failures: cb.failures, RetryAt: cb.now().Add(cb.cooldown)}
			cb.mu.Unlock()
			return err
		}
		cb.trial = true
	}

	cb.mu.Unlock()
	return nil
}

func (cb *CircuitBreaker) record(err error, cancelled bool) {
	cb.mu.Lock()
	from := cb.state
	cb.trial = false

	switch {
	case err == nil:
		cb.failures = 0
		cb.state = StateClosed
	case cancelled:
		// a cancelled trial leaves the breaker half-open for the next call
	default:
		cb.failures++
		if cb.state == StateHalfOpen || cb.failures >= cb.threshold {
			cb.state = StateOpen
			cb.openedAt = cb.now()
		}
	}

	to := cb.state
	cb.mu.Unlock()

	if from != to {
		cb.notify(from, to)
	}
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from == to {
		return
	}
	for _, listener := range cb.listeners {
		listener.OnStateChange(cb.name, from, to)
	}
}
