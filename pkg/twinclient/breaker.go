package twinclient

import (
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/hadijannat/TwinOps/pkg/contracts"
)

// newBreaker wraps sony/gobreaker per endpoint: a real three-state
// circuit breaker that also bounds half-open concurrency.
func newBreaker(name string, failureThreshold uint32, recoveryTimeout time.Duration, halfOpenMaxCalls uint32) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: halfOpenMaxCalls,
		Interval:    0, // never reset closed-state counts on a timer; only consecutive failures count
		Timeout:     recoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
	})
}

// circuitState maps gobreaker's state to the contracts.CircuitState enum.
func circuitState(cb *gobreaker.CircuitBreaker) contracts.CircuitState {
	switch cb.State() {
	case gobreaker.StateOpen:
		return contracts.CircuitOpen
	case gobreaker.StateHalfOpen:
		return contracts.CircuitHalfOpen
	default:
		return contracts.CircuitClosed
	}
}

// ErrCircuitOpen is returned immediately when a breaker is open.
var ErrCircuitOpen = fmt.Errorf("circuit_open")

func isBreakerOpenErr(err error) bool {
	return err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests
}
