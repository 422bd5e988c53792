// Package circuitbreaker pauses work that keeps failing.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	Closed Status = iota
	Open
	HalfOpen
)

// ErrOpen signals that the circuit is open and the attempt was not made.
var ErrOpen = errors.New("circuit breaker is open")

type Status int

func (s Status) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

type CircuitBreaker struct {
	clock        clock.Clock
	maxFailures  int
	resetTimeout time.Duration

	// mu guards status, openedAt and failures.
	mu       sync.Mutex
	failures int
	openedAt time.Time
	status   Status
}

// New creates a breaker that opens after maxFailures consecutive failed
// attempts and allows a single attempt once resetTimeout has passed on clk.
func New(clk clock.Clock, maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		clock:        clk,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
	}
}

// Run makes an attempt unless the circuit is open. While open, it returns
// ErrOpen until resetTimeout has passed since the circuit opened; the next
// attempt then runs half-open. A failed half-open attempt opens the circuit
// again, a successful attempt closes it.
func (cb *CircuitBreaker) Run(attempt func() error) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.status {
	case Open:
		if cb.clock.Since(cb.openedAt) < cb.resetTimeout {
			return ErrOpen
		}
		cb.status = HalfOpen
		fallthrough
	case HalfOpen, Closed:
		if err := attempt(); err != nil {
			cb.failures++
			if cb.status == HalfOpen || cb.failures >= cb.maxFailures {
				cb.status = Open
				cb.openedAt = cb.clock.Now()
			}
			return err
		}
		cb.status = Closed
		cb.failures = 0
		return nil
	default:
		return fmt.Errorf("unknown status: %d", cb.status)
	}
}

func (cb *CircuitBreaker) Status() Status {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.status
}
