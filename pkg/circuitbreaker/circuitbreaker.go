// Package circuitbreaker guards calls into partner adapters
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// Circuit breaker states
const (
	StateClosed   = "closed"    // Normal operation
	StateOpen     = "open"      // Failing, rejecting requests
	StateHalfOpen = "half-open" // Probing whether the partner recovered
)

var (
	// ErrOpen is returned when the circuit breaker is open
	ErrOpen = errors.New("circuit breaker is open")
	// ErrTooManyConcurrent is returned when MaxConcurrent is reached
	ErrTooManyConcurrent = errors.New("max concurrent requests exceeded")
)

// Config holds circuit breaker configuration
type Config struct {
	FailureThreshold int           // Failures before opening circuit
	SuccessThreshold int           // Successes to close circuit from half-open
	Timeout          time.Duration // Time to wait before half-open
	MaxConcurrent    int           // Max concurrent requests (0 = unlimited)
	OnStateChange    func(from, to string)
}

// DefaultConfig returns sensible defaults for partner calls
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		Timeout:          30 * time.Second,
		MaxConcurrent:    0,
	}
}

// Breaker implements the circuit breaker pattern. Calls are either
// synchronous (Execute) or split into Allow and one of Done/Release for
// callbacks that complete on another goroutine.
type Breaker struct {
	config *Config

	mu              sync.RWMutex
	state           string
	failures        int
	successes       int
	lastFailureTime time.Time
	concurrent      int

	totalRequests  int64
	totalFailures  int64
	totalSuccesses int64
	totalRejected  int64

	callbackWg sync.WaitGroup
	now        func() time.Time
}

// New creates a new circuit breaker
func New(config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	return &Breaker{
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
}

// Execute runs fn with circuit breaker protection
func (cb *Breaker) Execute(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}

	err := fn()
	cb.Done(err)
	return err
}

// Allow reserves a slot for one request. Every successful Allow must be
// paired with exactly one Done or Release.
func (cb *Breaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++

	switch cb.state {
	case StateClosed:
		if cb.config.MaxConcurrent > 0 && cb.concurrent >= cb.config.MaxConcurrent {
			cb.totalRejected++
			return ErrTooManyConcurrent
		}
		cb.concurrent++
		return nil

	case StateOpen:
		if cb.now().Sub(cb.lastFailureTime) > cb.config.Timeout {
			cb.setState(StateHalfOpen)
			cb.concurrent++
			return nil
		}
		cb.totalRejected++
		return ErrOpen

	case StateHalfOpen:
		// One probe at a time
		if cb.concurrent < 1 {
			cb.concurrent++
			return nil
		}
		cb.totalRejected++
		return ErrOpen
	}

	return nil
}

// Done records the result of a request admitted by Allow
func (cb *Breaker) Done(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.release()

	if err != nil {
		cb.recordFailure()
	} else {
		cb.recordSuccess()
	}
}

// Release frees a slot without recording an outcome. Used when the caller
// abandoned the request, so the partner's health is unknown.
func (cb *Breaker) Release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.release()
}

func (cb *Breaker) release() {
	if cb.concurrent > 0 {
		cb.concurrent--
	}
}

func (cb *Breaker) recordFailure() {
	cb.totalFailures++
	cb.failures++
	cb.successes = 0
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		cb.setState(StateOpen)
	}
}

func (cb *Breaker) recordSuccess() {
	cb.totalSuccesses++
	cb.successes++

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		if cb.successes >= cb.config.SuccessThreshold {
			cb.setState(StateClosed)
			cb.failures = 0
		}
	}
}

func (cb *Breaker) setState(newState string) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.successes = 0

	if cb.config.OnStateChange != nil {
		cb.callbackWg.Add(1)
		go func(from, to string) {
			defer cb.callbackWg.Done()
			cb.config.OnStateChange(from, to)
		}(oldState, newState)
	}
}

// State returns the current state
func (cb *Breaker) State() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Stats returns circuit breaker statistics
func (cb *Breaker) Stats() Stats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return Stats{
		State:          cb.state,
		TotalRequests:  cb.totalRequests,
		TotalFailures:  cb.totalFailures,
		TotalSuccesses: cb.totalSuccesses,
		TotalRejected:  cb.totalRejected,
		Failures:       cb.failures,
		Concurrent:     cb.concurrent,
	}
}

// Stats holds circuit breaker statistics
type Stats struct {
	State          string `json:"state"`
	TotalRequests  int64  `json:"total_requests"`
	TotalFailures  int64  `json:"total_failures"`
	TotalSuccesses int64  `json:"total_successes"`
	TotalRejected  int64  `json:"total_rejected"`
	Failures       int    `json:"current_failures"`
	Concurrent     int    `json:"concurrent"`
}

// Reset forces the breaker closed
func (cb *Breaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(StateClosed)
	cb.failures = 0
	cb.successes = 0
}

// ForceOpen forces the breaker open
func (cb *Breaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(StateOpen)
	cb.lastFailureTime = cb.now()
}

// IsOpen returns true if the breaker is open
func (cb *Breaker) IsOpen() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state == StateOpen
}

// Close waits for pending state change callbacks to complete
func (cb *Breaker) Close() {
	cb.callbackWg.Wait()
}
