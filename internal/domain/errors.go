package domain

import (
	"errors"
	"fmt"
)

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// UpstreamError represents a failure of the upstream broker API.
// Rate-limit (429) and server-side (5xx) responses are retriable by the
// caller; this layer itself never retries.
type UpstreamError struct {
	Op         string // Operation that failed (e.g., "fetch_quotes", "submit_order")
	StatusCode int    // HTTP status, 0 for transport-level failures
	Err        error  // Underlying error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: upstream status %d", e.Op, e.StatusCode)
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *UpstreamError) IsRetriable() bool {
	return e.StatusCode == 0 || e.StatusCode == 429 || e.StatusCode >= 500
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// IsRateLimited reports whether the error is an upstream 429
func IsRateLimited(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue) && ue.StatusCode == 429
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

var (
	// ErrCircuitOpen is returned to callers of a flush that fast-fails
	// while the breaker is open. Recoverable after the cool-down.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrRequestTimeout is returned when a caller's personal timeout
	// fires before its batch flushes.
	ErrRequestTimeout = errors.New("quote request timed out")

	// ErrOwnerNotFound is returned when a record's owning user cannot be resolved
	ErrOwnerNotFound = errors.New("owner not found")

	// ErrRecordNotFound is returned when a persisted record does not exist
	ErrRecordNotFound = errors.New("record not found")

	// ErrOrderNotOpen is returned when a terminal transition is applied to a settled order
	ErrOrderNotOpen = errors.New("order not open")
)
