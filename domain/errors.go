package domain

import (
	"errors"
)

// Code classifies a failure of a launch or query attempt.
type Code string

const (
	CodeInput              Code = "INPUT_ERROR"
	CodeRuleViolation      Code = "RULE_VIOLATION"
	CodeIdentityResolution Code = "IDENTITY_RESOLUTION"
	CodeProtocolAbort      Code = "PROTOCOL_ABORT"
	CodeNotaryConflict     Code = "NOTARY_CONFLICT"
	CodeNotaryRejection    Code = "NOTARY_REJECTION"
	CodePersistenceFailure Code = "PERSISTENCE_FAILURE"
	CodeInternal           Code = "INTERNAL"
)

// FinalizedNote is appended to every persistence failure raised after
// notarisation: the two sides may disagree about the outcome.
const FinalizedNote = "transaction is notarised; counterparty may already hold a finalized record"

// MetaFinalized marks errors raised after the notary accepted the
// transaction.
const MetaFinalized = "finalized"

// IsFinalized reports whether err was raised after notarisation.
func IsFinalized(err error) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Metadata[MetaFinalized] == "true"
	}
	return false
}

// Sentinels for errors.Is. Matching is by code only.
var (
	ErrInput              = &Error{Code: CodeInput}
	ErrRuleViolation      = &Error{Code: CodeRuleViolation}
	ErrIdentityResolution = &Error{Code: CodeIdentityResolution}
	ErrProtocolAbort      = &Error{Code: CodeProtocolAbort}
	ErrNotaryConflict     = &Error{Code: CodeNotaryConflict}
	ErrNotaryRejection    = &Error{Code: CodeNotaryRejection}
	ErrPersistenceFailure = &Error{Code: CodePersistenceFailure}
)

// Error is the domain error type with structured metadata.
type Error struct {
	Code     Code              // Machine-readable error code
	Message  string            // Human-readable reason
	Metadata map[string]string // Additional context (tx id, counterparty, ...)
	Cause    error             // Wrapped underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a simple domain error with a code and message.
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WithMetadata creates a domain error carrying extra context.
func WithMetadata(code Code, message string, metadata map[string]string) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Metadata: metadata,
	}
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// CodeOf extracts the code of the first domain error in err's chain.
// Errors that carry no domain code report CodeInternal.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// Failure is the wire form of an Error, sent across sessions and to and
// from the notary.
type Failure struct {
	Code   Code   `cbor:"1,keyasint" json:"code"`
	Reason string `cbor:"2,keyasint" json:"message"`
}

// FailureOf converts err into its wire form.
func FailureOf(err error) Failure {
	var de *Error
	if errors.As(err, &de) {
		return Failure{Code: de.Code, Reason: de.Error()}
	}
	return Failure{Code: CodeInternal, Reason: err.Error()}
}

// Err rehydrates the failure into a domain error.
func (f Failure) Err() *Error {
	code := f.Code
	if code == "" {
		code = CodeInternal
	}
	return New(code, f.Reason)
}
