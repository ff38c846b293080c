// Package errors provides the shared failure taxonomy for the interaction
// engine.
//
// Every remote failure is reduced to a Kind and a retryability verdict so
// that retry policy and user messaging stay consistent across callers.
package errors

import "fmt"

// Kind is a machine-readable failure category.
type Kind string

const (
	// KindNetwork indicates a connectivity-level failure.
	KindNetwork Kind = "network"
	// KindTimeout indicates the remote call ran out of time.
	KindTimeout Kind = "timeout"
	// KindAuth indicates the credential was rejected or expired.
	KindAuth Kind = "auth"
	// KindValidation indicates the request itself was malformed.
	KindValidation Kind = "validation"
	// KindServer indicates a backend-side failure.
	KindServer Kind = "server"
	// KindUnknown indicates an unclassified failure.
	KindUnknown Kind = "unknown"
)

// IsValid reports whether the kind is one of the supported categories.
func (k Kind) IsValid() bool {
	switch k {
	case KindNetwork, KindTimeout, KindAuth, KindValidation, KindServer, KindUnknown:
		return true
	default:
		return false
	}
}

// Error is the domain error type carrying a failure kind.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "engine error"
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target matches this error by kind.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// New creates a domain error with a kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// ErrOffline marks a submission refused because connectivity is down.
// Callers should wait for the network monitor instead of retrying.
var ErrOffline = New(KindNetwork, "client is offline")

// APIError is a failure reported by the remote game master API, either as an
// HTTP error status or as a success:false response body.
type APIError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e == nil {
		return "api error"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("api error: status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api error: %s", e.Message)
}
