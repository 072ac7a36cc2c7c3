// Package domainerrors carries machine-readable error codes from the domain
// layer to transports. Services return *Error values; handlers translate the
// code into a status and a client-safe description.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error identifier. Codes are part of the
// public API surface: callers branch on them.
type Code string

const (
	CodeBadRequest         Code = "bad_request"
	CodeValidation         Code = "validation_error"
	CodeInvalidInput       Code = "invalid_input"
	CodeUnauthorized       Code = "unauthorized"
	CodeForbidden          Code = "forbidden"
	CodeNotFound           Code = "not_found"
	CodeConflict           Code = "conflict"
	CodeTimeout            Code = "timeout"
	CodeInvariantViolation Code = "invariant_violation"
	CodeInternal           Code = "internal_error"
	CodeUnavailable        Code = "service_unavailable"

	// Warrant processing taxonomy.
	CodeSchemaInvalid        Code = "schema_invalid"
	CodeUnsupportedAlgorithm Code = "unsupported_algorithm"
	CodeSignatureInvalid     Code = "signature_invalid"
	CodeExpired              Code = "expired"
	CodeNotYetValid          Code = "not_yet_valid"
	CodeCanonicalization     Code = "canonicalization_error"
	CodeSubjectTagMismatch   Code = "subject_tag_mismatch"
	CodeLedgerTransient      Code = "ledger_transient"
	CodeLedgerPermanent      Code = "ledger_permanent"
	CodeProcessingFailed     Code = "processing_failed"
)

// Error is a coded domain error. Message is safe to show to callers unless the
// code is CodeInternal.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a coded error.
func New(code Code, msg string) error {
	return &Error{Code: code, Message: msg}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// HasCode reports whether any error in the chain carries code.
func HasCode(err error, code Code) bool {
	for err != nil {
		var de *Error
		if !errors.As(err, &de) {
			return false
		}
		if de.Code == code {
			return true
		}
		err = de.Err
	}
	return false
}

// Is is shorthand for HasCode, kept for call sites that read better as a predicate.
func Is(err error, code Code) bool {
	return HasCode(err, code)
}

// CodeOf returns the outermost code in the chain, or CodeInternal when the
// error carries none.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// MessageOf returns the outermost domain message, or the raw error text.
func MessageOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
