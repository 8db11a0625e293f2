package errors

import (
	"errors"
	"strings"
)

// WrapRelayerError wraps err as a RelayerError unless it already is one.
func WrapRelayerError(err error, code ErrorCode, chain, message string) *RelayerError {
	if err == nil {
		return nil
	}

	var relayerErr *RelayerError
	if errors.As(err, &relayerErr) {
		relayerErr.WithContext("wrapped_message", message)
		if chain != "" && relayerErr.Chain == "" {
			relayerErr.Chain = chain
		}
		return relayerErr
	}

	return NewRelayerError(code, chain, message, err)
}

// CodeOf returns the taxonomy code of err, or "" when err is untyped.
func CodeOf(err error) ErrorCode {
	var relayerErr *RelayerError
	if errors.As(err, &relayerErr) {
		return relayerErr.Code
	}
	return ""
}

// IsCode checks if an error is a RelayerError with specific code
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var relayerErr *RelayerError
	if errors.As(err, &relayerErr) {
		return relayerErr.IsRetryable()
	}
	return looksTransient(err)
}

// IsUnbounded reports whether err belongs to the network class, which is retried forever.
func IsUnbounded(err error) bool {
	if err == nil {
		return false
	}

	var relayerErr *RelayerError
	if errors.As(err, &relayerErr) {
		return relayerErr.IsUnbounded()
	}
	return looksTransient(err)
}

// IsFatal reports whether err means persisted state can no longer be trusted.
func IsFatal(err error) bool {
	return IsCode(err, ErrCodeStore)
}

// GetSeverity returns the severity of an error
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityInfo
	}

	var relayerErr *RelayerError
	if errors.As(err, &relayerErr) {
		return relayerErr.Severity
	}
	return SeverityLow
}

var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"timeout",
	"deadline exceeded",
	"temporary failure",
	"too many requests",
	"rate limit",
	"eof",
}

func looksTransient(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
