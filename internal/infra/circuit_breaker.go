package infra

import (
	"log/slog"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota // Normal operation
	StateOpen                // Failing, reject requests
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreaker implements the circuit breaker pattern for upstream
// fault isolation. After a configured number of consecutive failures the
// circuit opens for a cool-down period; while open, callers fail fast
// without touching the upstream. Any success closes the circuit and
// resets the failure counter. Thread-safe for concurrent use.
//
// Thresholds are read from live tuning on every transition, so
// operational changes apply without a restart.
type CircuitBreaker struct {
	name   string
	tuning *Tuning

	mu           sync.Mutex
	failureCount int
	openUntil    time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, tuning *Tuning) *CircuitBreaker {
	return &CircuitBreaker{name: name, tuning: tuning}
}

// Allow checks if a request should be allowed.
// Returns true if the request can proceed, false if it should be rejected.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return !time.Now().Before(cb.openUntil)
}

// RecordSuccess records a successful operation and closes the circuit
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.failureCount > 0 || !cb.openUntil.IsZero() {
		slog.Debug("Circuit breaker recovered",
			slog.String("name", cb.name),
			slog.Int("failures", cb.failureCount))
	}
	cb.failureCount = 0
	cb.openUntil = time.Time{}
}

// RecordFailure records a failed operation. Reaching the failure
// threshold opens the circuit for the configured cool-down.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	if cb.failureCount >= cb.tuning.BreakerFailureThreshold() {
		cooldown := cb.tuning.BreakerCooldown()
		cb.openUntil = time.Now().Add(cooldown)
		slog.Warn("Circuit breaker OPEN (failures exceeded threshold)",
			slog.String("name", cb.name),
			slog.Int("failures", cb.failureCount),
			slog.Duration("cooldown", cooldown))
	}
}

// GetState returns the current state (for monitoring)
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.openUntil.IsZero() && time.Now().Before(cb.openUntil) {
		return StateOpen
	}
	return StateClosed
}

// FailureCount returns the consecutive failure count (for monitoring)
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}

// Reset forces the circuit breaker to closed state (for testing/admin)
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount = 0
	cb.openUntil = time.Time{}
	slog.Info("Circuit breaker RESET", slog.String("name", cb.name))
}
