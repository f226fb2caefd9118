package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures for callers that decide between retrying,
// re-querying and surfacing the error.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindPolicy     ErrorKind = "policy_rejection"
	KindConflict   ErrorKind = "concurrency_conflict"
	KindTransient  ErrorKind = "transient_failure"
	KindNotFound   ErrorKind = "not_found"
)

// Error codes
const (
	CodeInvalidMacFormat    = "InvalidMacFormat"
	CodeInvalidRateFormat   = "InvalidRateFormat"
	CodeInvalidPriority     = "InvalidPriority"
	CodeInvalidDuration     = "InvalidDuration"
	CodeInvalidAmount       = "InvalidAmount"
	CodeInvalidRequest      = "InvalidRequest"
	CodeDuplicateName       = "DuplicateName"
	CodeMacBlocked          = "MacBlocked"
	CodeInvalidCredentials  = "InvalidCredentials"
	CodeVoucherUsed         = "VoucherUsed"
	CodeVoucherExpired      = "VoucherExpired"
	CodeDeviceLimitExceeded = "DeviceLimitExceeded"
	CodeInsufficientBalance = "InsufficientBalance"
	CodeAccountSuspended    = "AccountSuspended"
	CodeAlreadyActive       = "AlreadyActive"
	CodeDuplicateReference  = "DuplicateReference"
	CodeSessionClosed       = "SessionClosed"
	CodeOutOfOrder          = "OutOfOrder"
	CodeTimeout             = "Timeout"
	CodeUnavailable         = "Unavailable"
	CodeNotFound            = "NotFound"
	CodeUnknownNAS          = "UnknownNAS"
)

// ErrNotFound is returned by stores when an entity does not exist.
var ErrNotFound = errors.New("not found")

// Error is the typed error carried across service boundaries.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Code
	if e.Message != "" {
		msg = e.Code + ": " + e.Message
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, code, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func NewValidationError(code, format string, args ...interface{}) *Error {
	return newError(KindValidation, code, format, args...)
}

func NewPolicyRejection(code, format string, args ...interface{}) *Error {
	return newError(KindPolicy, code, format, args...)
}

func NewConflict(code, format string, args ...interface{}) *Error {
	return newError(KindConflict, code, format, args...)
}

func NewNotFound(format string, args ...interface{}) *Error {
	e := newError(KindNotFound, CodeNotFound, format, args...)
	e.Err = ErrNotFound
	return e
}

// NewTransientFailure wraps a downstream error as retryable.
func NewTransientFailure(code string, err error) *Error {
	return &Error{Kind: KindTransient, Code: code, Err: err}
}

// KindOf returns the kind of the first *Error in the chain, or "" for
// untyped errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// CodeOf returns the code of the first *Error in the chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
