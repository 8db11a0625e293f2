package errors

import (
	"fmt"
)

// ErrorCode represents different categories of relayer errors
type ErrorCode string

const (
	// ErrCodeNetwork indicates an unreachable or failing RPC endpoint
	ErrCodeNetwork ErrorCode = "NETWORK"

	// ErrCodeTimeout indicates a bounded call (RPC, signing round trip) ran out of time
	ErrCodeTimeout ErrorCode = "TIMEOUT"

	// ErrCodeReorg indicates the fetched chain no longer extends the stored watermark
	ErrCodeReorg ErrorCode = "REORG"

	// ErrCodeMalformed indicates a log, proof or command that cannot be decoded
	ErrCodeMalformed ErrorCode = "MALFORMED"

	// ErrCodeInvalidProposal indicates a stale nonce, bad signature or unresolved anchor
	ErrCodeInvalidProposal ErrorCode = "INVALID_PROPOSAL"

	// ErrCodeSubmission indicates a transaction the chain will never accept
	ErrCodeSubmission ErrorCode = "SUBMISSION"

	// ErrCodeStore indicates persisted state could not be read or written
	ErrCodeStore ErrorCode = "STORE"

	// ErrCodeConfig indicates configuration errors
	ErrCodeConfig ErrorCode = "CONFIG"

	// ErrCodeValidation indicates input validation errors
	ErrCodeValidation ErrorCode = "VALIDATION"

	// ErrCodeInternal indicates internal system errors
	ErrCodeInternal ErrorCode = "INTERNAL"
)

// Severity represents the severity level of an error
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

// RelayerError is an error tagged with its taxonomy class and the chain it occurred on.
type RelayerError struct {
	Code     ErrorCode              `json:"code"`
	Message  string                 `json:"message"`
	Chain    string                 `json:"chain,omitempty"`
	Severity Severity               `json:"severity"`
	Cause    error                  `json:"-"`
	Context  map[string]interface{} `json:"context,omitempty"`
}

// NewRelayerError creates a new RelayerError
func NewRelayerError(code ErrorCode, chain, message string, cause error) *RelayerError {
	return &RelayerError{
		Code:     code,
		Message:  message,
		Chain:    chain,
		Severity: determineSeverity(code),
		Cause:    cause,
		Context:  make(map[string]interface{}),
	}
}

// Error implements the error interface
func (e *RelayerError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	if e.Chain != "" {
		return fmt.Sprintf("[%s:%s] %s", e.Chain, e.Code, msg)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

// Unwrap returns the underlying cause
func (e *RelayerError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *RelayerError) WithContext(key string, value interface{}) *RelayerError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// IsRetryable reports whether the operation may be attempted again.
func (e *RelayerError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeNetwork, ErrCodeTimeout, ErrCodeReorg:
		return true
	default:
		return false
	}
}

// IsUnbounded reports whether retries of this class never exhaust a budget.
// Only transient network failures qualify.
func (e *RelayerError) IsUnbounded() bool {
	return e.Code == ErrCodeNetwork || e.Code == ErrCodeTimeout
}

func determineSeverity(code ErrorCode) Severity {
	switch code {
	case ErrCodeStore, ErrCodeInternal:
		return SeverityCritical
	case ErrCodeSubmission:
		return SeverityHigh
	case ErrCodeNetwork, ErrCodeTimeout, ErrCodeReorg, ErrCodeInvalidProposal:
		return SeverityMedium
	case ErrCodeMalformed, ErrCodeValidation, ErrCodeConfig:
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// NewNetworkError creates a network error
func NewNetworkError(chain, message string, cause error) *RelayerError {
	return NewRelayerError(ErrCodeNetwork, chain, message, cause)
}

// NewTimeoutError creates a timeout error
func NewTimeoutError(chain, message string, cause error) *RelayerError {
	return NewRelayerError(ErrCodeTimeout, chain, message, cause)
}

// NewReorgError creates a reorg error carrying the block where divergence was seen
func NewReorgError(chain string, block uint64) *RelayerError {
	return NewRelayerError(ErrCodeReorg, chain, "chain reorganization detected", nil).
		WithContext("block", block)
}

// NewMalformedError creates a malformed-input error
func NewMalformedError(chain, message string, cause error) *RelayerError {
	return NewRelayerError(ErrCodeMalformed, chain, message, cause)
}

// NewInvalidProposalError creates an invalid proposal error
func NewInvalidProposalError(chain, message string) *RelayerError {
	return NewRelayerError(ErrCodeInvalidProposal, chain, message, nil)
}

// NewSubmissionError creates a permanent submission failure
func NewSubmissionError(chain, message string, cause error) *RelayerError {
	return NewRelayerError(ErrCodeSubmission, chain, message, cause)
}

// NewStoreError creates a store error
func NewStoreError(chain, message string, cause error) *RelayerError {
	return NewRelayerError(ErrCodeStore, chain, message, cause)
}

// NewConfigError creates a configuration error
func NewConfigError(chain, message string) *RelayerError {
	return NewRelayerError(ErrCodeConfig, chain, message, nil)
}

// NewValidationError creates a validation error
func NewValidationError(chain, message string) *RelayerError {
	return NewRelayerError(ErrCodeValidation, chain, message, nil)
}

// NewInternalError creates an internal error
func NewInternalError(chain, message string, cause error) *RelayerError {
	return NewRelayerError(ErrCodeInternal, chain, message, cause)
}
