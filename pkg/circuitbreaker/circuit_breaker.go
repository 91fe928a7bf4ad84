package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State represents the state of a circuit breaker
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Options configure a CircuitBreaker. Zero values take defaults.
type Options struct {
	MaxFailures      uint32
	ResetTimeout     time.Duration
	HalfOpenMaxCalls uint32
	// IsFailure decides which errors count against the breaker. Errors it
	// rejects are returned to the caller without affecting state. Nil counts
	// every error.
	IsFailure     func(error) bool
	OnStateChange func(name string, from, to State)
	Logger        *logrus.Logger
}

// CircuitBreaker guards calls to a dependency that may become unavailable,
// such as the relay's message store.
type CircuitBreaker struct {
	name string
	opts Options

	mu              sync.Mutex
	state           State
	failures        uint32
	lastFailureTime time.Time
	halfOpenCalls   uint32
	successCount    uint32
	requestCount    uint64
	rejectedCount   uint64
	now             func() time.Time
}

// New creates a new circuit breaker
func New(name string, opts Options) *CircuitBreaker {
	if opts.MaxFailures == 0 {
		opts.MaxFailures = 5
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = 10 * time.Second
	}
	if opts.HalfOpenMaxCalls == 0 {
		opts.HalfOpenMaxCalls = 3
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &CircuitBreaker{
		name:  name,
		opts:  opts,
		state: StateClosed,
		now:   time.Now,
	}
}

// Execute runs fn if the breaker admits the call.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}

	err := fn(ctx)
	if err != nil && cb.countsAsFailure(err) {
		cb.onFailure()
		return err
	}
	cb.onSuccess()
	return err
}

func (cb *CircuitBreaker) countsAsFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if cb.opts.IsFailure == nil {
		return true
	}
	return cb.opts.IsFailure(err)
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.lastFailureTime) >= cb.opts.ResetTimeout {
		cb.setState(StateHalfOpen)
	}

	switch cb.state {
	case StateClosed:
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.opts.HalfOpenMaxCalls {
			cb.rejectedCount++
			return &CircuitBreakerError{Name: cb.name, State: cb.state}
		}
		cb.halfOpenCalls++
	default:
		cb.rejectedCount++
		return &CircuitBreakerError{Name: cb.name, State: cb.state}
	}
	cb.requestCount++
	return nil
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.opts.HalfOpenMaxCalls {
			cb.setState(StateClosed)
		}
	case StateClosed:
		cb.failures = 0
		cb.successCount++
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.opts.MaxFailures {
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		cb.setState(StateOpen)
	}
}

// setState must be called with mu held.
func (cb *CircuitBreaker) setState(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.halfOpenCalls = 0
	cb.successCount = 0
	if to == StateClosed {
		cb.failures = 0
	}

	entry := cb.opts.Logger.WithFields(logrus.Fields{
		"circuit_breaker": cb.name,
		"from":            from.String(),
		"state":           to.String(),
	})
	if to == StateOpen {
		entry.WithField("failures", cb.failures).Warn("Circuit breaker opened due to failures")
	} else {
		entry.Info("Circuit breaker state changed")
	}

	if cb.opts.OnStateChange != nil {
		cb.opts.OnStateChange(cb.name, from, to)
	}
}

// GetState returns the current state, moving an expired open breaker to
// half-open.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.lastFailureTime) >= cb.opts.ResetTimeout {
		cb.setState(StateHalfOpen)
	}
	return cb.state
}

// GetStats returns statistics about the circuit breaker
func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		Name:            cb.name,
		State:           cb.state,
		Failures:        cb.failures,
		Requests:        cb.requestCount,
		Rejected:        cb.rejectedCount,
		LastFailureTime: cb.lastFailureTime,
	}
}

// Stats represents circuit breaker statistics
type Stats struct {
	Name            string    `json:"name"`
	State           State     `json:"state"`
	Failures        uint32    `json:"failures"`
	Requests        uint64    `json:"requests"`
	Rejected        uint64    `json:"rejected"`
	LastFailureTime time.Time `json:"last_failure_time"`
}

// CircuitBreakerError is returned when the breaker rejects a call
type CircuitBreakerError struct {
	Name  string
	State State
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is %s", e.Name, e.State)
}

// IsCircuitBreakerError checks if an error is a circuit breaker error
func IsCircuitBreakerError(err error) bool {
	var cbErr *CircuitBreakerError
	return errors.As(err, &cbErr)
}
