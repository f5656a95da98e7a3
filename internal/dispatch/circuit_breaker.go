package dispatch

import (
	"sync"
	"time"
)

// CircuitState is the load-shedding circuit breaker's current state.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitHalfOpen
	CircuitOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitHalfOpen:
		return "half_open"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreaker protects the dispatch stage under sustained backlog: when
// the queue is deep and the pool saturated it briefly stops attempting new
// dispatches (the scheduler loop simply re-queues and retries), without
// ever rejecting a submit. Adapted from FluxForge's
// scheduler/circuit_breaker.go.
type CircuitBreaker struct {
	mu sync.Mutex

	state CircuitState

	queueThreshold      int
	saturationThreshold float64
	cooldownPeriod      time.Duration

	openedAt  time.Time
	testCount int
	testLimit int
}

// NewCircuitBreaker constructs a breaker that opens once queueDepth exceeds
// queueThreshold or pool saturation exceeds 95%.
func NewCircuitBreaker(queueThreshold int) *CircuitBreaker {
	return &CircuitBreaker{
		queueThreshold:      queueThreshold,
		saturationThreshold: 0.95,
		cooldownPeriod:      30 * time.Second,
		testLimit:           5,
	}
}

// ShouldAdmit reports whether a dispatch attempt should proceed this tick.
func (cb *CircuitBreaker) ShouldAdmit(queueDepth int, saturation float64) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && time.Since(cb.openedAt) > cb.cooldownPeriod {
		cb.state = CircuitHalfOpen
		cb.testCount = 0
	}

	if cb.state == CircuitHalfOpen {
		if cb.testCount < cb.testLimit {
			cb.testCount++
			return true
		}
		if queueDepth < cb.queueThreshold/2 && saturation < cb.saturationThreshold {
			cb.state = CircuitClosed
			return true
		}
		return false
	}

	if queueDepth > cb.queueThreshold || saturation > cb.saturationThreshold {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
		return false
	}

	return cb.state == CircuitClosed
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
