package providers

import (
	"errors"
	"fmt"
	"testing"
)

func TestMailError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *MailError
		expected string
	}{
		{
			name: "Error with provider",
			err: &MailError{
				Provider: "imap",
				Code:     "AUTH_FAILED",
				Message:  "login failed",
			},
			expected: "[imap] AUTH_FAILED: login failed",
		},
		{
			name: "Error without provider",
			err: &MailError{
				Code:    "TIMEOUT",
				Message: "connection timeout",
			},
			expected: "TIMEOUT: connection timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.err.Error()
			if result != tt.expected {
				t.Errorf("Expected error string '%s', got '%s'", tt.expected, result)
			}
		})
	}
}

func TestMailError_Unwrap(t *testing.T) {
	originalErr := errors.New("original error")
	mailErr := &MailError{
		Code:    "TEST",
		Message: "test error",
		Cause:   originalErr,
	}

	if unwrapped := mailErr.Unwrap(); unwrapped != originalErr {
		t.Errorf("Expected unwrapped error to be original error, got %v", unwrapped)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		input     error
		expected  ErrorType
		retryable bool
	}{
		{
			name:      "Auth failure",
			input:     errors.New("LOGIN failed: invalid credentials"),
			expected:  ErrorTypeAuth,
			retryable: false,
		},
		{
			name:      "Connection reset",
			input:     errors.New("read tcp: connection reset by peer"),
			expected:  ErrorTypeConnection,
			retryable: true,
		},
		{
			name:      "Timeout",
			input:     errors.New("context deadline exceeded"),
			expected:  ErrorTypeTimeout,
			retryable: true,
		},
		{
			name:      "Rate limit",
			input:     errors.New("too many requests, slow down"),
			expected:  ErrorTypeRateLimit,
			retryable: true,
		},
		{
			name:      "Unknown",
			input:     errors.New("something odd happened"),
			expected:  ErrorTypeUnknown,
			retryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Classify(tt.input, "imap")
			if result.Type != tt.expected {
				t.Errorf("Expected type %s, got %s", tt.expected, result.Type)
			}
			if result.Retryable != tt.retryable {
				t.Errorf("Expected retryable=%v, got %v", tt.retryable, result.Retryable)
			}
			if result.Provider != "imap" {
				t.Errorf("Expected provider imap, got %s", result.Provider)
			}
		})
	}
}

func TestClassify_PreservesMailError(t *testing.T) {
	original := NewMarkerExpiredError("", "v1:n100")
	wrapped := fmt.Errorf("sync failed: %w", original)

	result := Classify(wrapped, "imap")
	if result.Type != ErrorTypeMarkerExpired {
		t.Errorf("Expected marker_expired, got %s", result.Type)
	}
	if result.Provider != "imap" {
		t.Errorf("Expected provider to be filled in, got %q", result.Provider)
	}
}

func TestIsMarkerExpired(t *testing.T) {
	if !IsMarkerExpired(NewMarkerExpiredError("imap", "v1:n5")) {
		t.Error("Expected marker expired error to be detected")
	}
	if IsMarkerExpired(errors.New("plain error")) {
		t.Error("Expected plain error not to be marker expired")
	}
}

func TestIsAuthError(t *testing.T) {
	if !IsAuthError(NewAuthError("imap", "login failed", nil)) {
		t.Error("Expected auth error to be detected")
	}

	wrapped := fmt.Errorf("handler: %w", NewAuthError("imap", "bad password", nil))
	if !IsAuthError(wrapped) {
		t.Error("Expected wrapped auth error to be detected")
	}

	if IsAuthError(NewConnectionError("imap", "refused", nil)) {
		t.Error("Expected connection error not to be auth error")
	}
}

func TestIsRetryable_UnclassifiedDefaultsToTrue(t *testing.T) {
	if !IsRetryable(errors.New("some transient thing")) {
		t.Error("Expected unclassified errors to be retryable")
	}
	if IsRetryable(NewAuthError("imap", "login failed", nil)) {
		t.Error("Expected auth errors not to be retryable")
	}
}
