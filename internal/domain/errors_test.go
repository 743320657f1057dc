package domain

import (
	"errors"
	"testing"
)

func TestUpstreamError(t *testing.T) {
	baseErr := errors.New("connection refused")

	t.Run("transport failure is retriable", func(t *testing.T) {
		err := &UpstreamError{Op: "fetch_quotes", Err: baseErr}

		if !err.IsRetriable() {
			t.Error("Expected transport error to be retriable")
		}

		if err.Error() != "fetch_quotes: connection refused" {
			t.Errorf("Error message = %q, want %q", err.Error(), "fetch_quotes: connection refused")
		}

		if !errors.Is(err, baseErr) {
			t.Error("Expected error to wrap baseErr")
		}
	})

	t.Run("429 is retriable and rate limited", func(t *testing.T) {
		err := &UpstreamError{Op: "fetch_quotes", StatusCode: 429}

		if !err.IsRetriable() {
			t.Error("Expected 429 to be retriable")
		}
		if !IsRateLimited(err) {
			t.Error("Expected IsRateLimited to detect 429")
		}
	})

	t.Run("4xx is not retriable", func(t *testing.T) {
		err := &UpstreamError{Op: "submit_order", StatusCode: 400}

		if err.IsRetriable() {
			t.Error("Expected 400 to not be retriable")
		}
		if IsRateLimited(err) {
			t.Error("400 should not count as rate limited")
		}
	})

	t.Run("IsRetriable helper", func(t *testing.T) {
		wrapped := errors.Join(errors.New("outer"), &UpstreamError{Op: "fetch", StatusCode: 503})
		if !IsRetriable(wrapped) {
			t.Error("Expected IsRetriable to see through wrapping")
		}

		if IsRetriable(errors.New("plain")) {
			t.Error("Plain errors are not retriable")
		}
	})
}

func TestConfigError(t *testing.T) {
	err := &ConfigError{Field: "tuning.batch_window_ms", Err: errors.New("must be positive")}

	if err.IsRetriable() {
		t.Error("Config errors are never retriable")
	}
	if err.Error() != "config error [tuning.batch_window_ms]: must be positive" {
		t.Errorf("unexpected message: %s", err.Error())
	}
}
