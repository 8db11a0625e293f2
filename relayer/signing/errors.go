package signing

import "fmt"

// SigningErrorKind classifies signing failures.
type SigningErrorKind string

const (
	SigningTimeout   SigningErrorKind = "timeout"
	SigningTransport SigningErrorKind = "transport"
	SigningRejected  SigningErrorKind = "rejected"
	SigningDisabled  SigningErrorKind = "disabled"
)

// SigningError is returned once the backend gave up on a proposal.
type SigningError struct {
	Kind     SigningErrorKind
	Resource string
	Attempts uint
	Cause    error
}

func (e *SigningError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("signing %s for %s after %d attempts: %v", e.Kind, e.Resource, e.Attempts, e.Cause)
	}
	return fmt.Sprintf("signing %s for %s", e.Kind, e.Resource)
}

func (e *SigningError) Unwrap() error {
	return e.Cause
}

// Requeue reports whether the event should be retried later instead of dropped.
func (e *SigningError) Requeue() bool {
	return e.Kind == SigningTimeout || e.Kind == SigningTransport
}
